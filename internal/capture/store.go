// Package capture implements the append-only store a decoded capture
// lives in. A single decoder goroutine writes packets, transactions,
// groups, and tables; any number of readers browse the same store
// concurrently through published length counters, without locks on the
// read path.
package capture

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"usblens/internal/stream"
	"usblens/internal/usb"
)

// ErrStoreFull is returned when an append would exceed the configured
// packet capacity. The capture stops but everything recorded so far
// remains readable.
var ErrStoreFull = errors.New("capture: store is full")

// ErrNotPresent is returned for reads of entities that do not exist at
// the requested index.
var ErrNotPresent = errors.New("capture: entity not present")

// Entity identifiers. Indices are dense, stable for the lifetime of the
// capture, and never reused.
type (
	PacketID      = uint64
	TransactionID = uint64
	EndpointID    = uint64
	DeviceID      = uint64
	ItemID        = uint64

	// EndpointTransactionID indexes into one endpoint's transaction list.
	EndpointTransactionID = uint64
	// EndpointGroupID indexes into one endpoint's group list.
	EndpointGroupID = uint64
)

// Reserved endpoint slots created with every store. Packets that cannot
// be attributed to a real endpoint land on the invalid endpoint, and
// SOF packets land on the framing endpoint.
const (
	InvalidEpID EndpointID = 0
	FramingEpID EndpointID = 1

	invalidEpNum = 0x10
	framingEpNum = 0x11
)

// TransactionResult is the outcome of a closed transaction.
type TransactionResult uint8

const (
	ResultAck TransactionResult = iota
	ResultNak
	ResultStall
	ResultNyet
	ResultErr
	ResultTimeout // no handshake observed before the next token
	ResultMalformed
	ResultNone // isochronous transactions have no handshake
)

func (r TransactionResult) String() string {
	switch r {
	case ResultAck:
		return "ACK"
	case ResultNak:
		return "NAK"
	case ResultStall:
		return "STALL"
	case ResultNyet:
		return "NYET"
	case ResultErr:
		return "ERR"
	case ResultTimeout:
		return "timeout"
	case ResultMalformed:
		return "malformed"
	}
	return "none"
}

// Ok reports whether the transaction succeeded.
func (r TransactionResult) Ok() bool {
	return r == ResultAck || r == ResultNyet || r == ResultNone
}

// GroupKind classifies a top-level display group.
type GroupKind uint8

const (
	GroupTransfer GroupKind = iota
	GroupSOF
	GroupPolling
	GroupInvalid
)

func (k GroupKind) String() string {
	switch k {
	case GroupTransfer:
		return "transfer"
	case GroupSOF:
		return "SOF"
	case GroupPolling:
		return "polling"
	}
	return "invalid"
}

// GroupStatus is the completion state of a closed group.
type GroupStatus uint8

const (
	StatusComplete GroupStatus = iota
	StatusAborted
	StatusTruncated
	StatusStalled
	StatusInvalid
)

func (s GroupStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusAborted:
		return "aborted"
	case StatusTruncated:
		return "truncated"
	case StatusStalled:
		return "stalled"
	}
	return "invalid"
}

// TransactionMeta is the per-transaction record written when a
// transaction closes. The endpoint id is stored separately in a
// width-packed stream, since endpoint ids stay small.
type TransactionMeta struct {
	Endpoint EndpointID
	Token    usb.PID
	Result   TransactionResult
	Split    bool
}

type txnMetaCodec struct{}

func (txnMetaCodec) Size() int { return 4 }

func (txnMetaCodec) Marshal(m TransactionMeta, dst []byte) {
	dst[0] = byte(m.Token)
	dst[1] = byte(m.Result)
	if m.Split {
		dst[2] = 1
	} else {
		dst[2] = 0
	}
	dst[3] = 0
}

func (txnMetaCodec) Unmarshal(src []byte) TransactionMeta {
	return TransactionMeta{
		Token:  usb.PID(src[0]),
		Result: TransactionResult(src[1]),
		Split:  src[2] != 0,
	}
}

// GroupMeta is the per-group record written when a group closes. Open
// groups derive their transaction range from the group index and the
// endpoint's live transaction count.
type GroupMeta struct {
	Kind    GroupKind
	Status  GroupStatus
	First   usb.PID
	Last    usb.PID
	Payload stream.Range // reassembled bytes within the endpoint data arena
	Summary stream.Range // request description within the string table
}

type groupMetaCodec struct{}

func (groupMetaCodec) Size() int { return 36 }

func (groupMetaCodec) Marshal(m GroupMeta, dst []byte) {
	dst[0] = byte(m.Kind)
	dst[1] = byte(m.Status)
	dst[2] = byte(m.First)
	dst[3] = byte(m.Last)
	binary.LittleEndian.PutUint64(dst[4:12], m.Payload.Start)
	binary.LittleEndian.PutUint64(dst[12:20], m.Payload.End)
	binary.LittleEndian.PutUint64(dst[20:28], m.Summary.Start)
	binary.LittleEndian.PutUint64(dst[28:36], m.Summary.End)
}

func (groupMetaCodec) Unmarshal(src []byte) GroupMeta {
	return GroupMeta{
		Kind:    GroupKind(src[0]),
		Status:  GroupStatus(src[1]),
		First:   usb.PID(src[2]),
		Last:    usb.PID(src[3]),
		Payload: stream.Range{Start: binary.LittleEndian.Uint64(src[4:12]), End: binary.LittleEndian.Uint64(src[12:20])},
		Summary: stream.Range{Start: binary.LittleEndian.Uint64(src[20:28]), End: binary.LittleEndian.Uint64(src[28:36])},
	}
}

// EndpointRecord describes one (device, endpoint number, direction)
// tuple observed on the bus.
type EndpointRecord struct {
	Device     DeviceID
	DevAddress uint8
	Number     uint8
	Direction  usb.Direction
}

type endpointCodec struct{}

func (endpointCodec) Size() int { return 12 }

func (endpointCodec) Marshal(e EndpointRecord, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], e.Device)
	dst[8] = e.DevAddress
	dst[9] = e.Number
	dst[10] = byte(e.Direction)
	dst[11] = 0
}

func (endpointCodec) Unmarshal(src []byte) EndpointRecord {
	return EndpointRecord{
		Device:     binary.LittleEndian.Uint64(src[0:8]),
		DevAddress: src[8],
		Number:     src[9],
		Direction:  usb.Direction(src[10]),
	}
}

// DeviceRecord describes one device generation. Reassigning an address
// appends a fresh record; the old record stays archived at its index.
type DeviceRecord struct {
	Address uint8
}

type deviceCodec struct{}

func (deviceCodec) Size() int { return 1 }

func (deviceCodec) Marshal(d DeviceRecord, dst []byte) { dst[0] = d.Address }

func (deviceCodec) Unmarshal(src []byte) DeviceRecord {
	return DeviceRecord{Address: src[0]}
}

// ItemRecord is one top-level row: a reference to a group on some
// endpoint, in chronological start order.
type ItemRecord struct {
	Endpoint EndpointID
	Group    EndpointGroupID
}

type itemCodec struct{}

func (itemCodec) Size() int { return 16 }

func (itemCodec) Marshal(it ItemRecord, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], it.Endpoint)
	binary.LittleEndian.PutUint64(dst[8:16], it.Group)
}

func (itemCodec) Unmarshal(src []byte) ItemRecord {
	return ItemRecord{
		Endpoint: binary.LittleEndian.Uint64(src[0:8]),
		Group:    binary.LittleEndian.Uint64(src[8:16]),
	}
}

// endpointStreams holds the per-endpoint streams. Each endpoint owns a
// list of its transactions, an index delimiting its groups, the group
// metadata written at close, and a payload arena for reassembled data.
type endpointStreams struct {
	transactions *stream.IndexStream // global transaction ids
	groupIndex   *stream.IndexStream // group start offsets into transactions
	groupMeta    *stream.RecordStream[GroupMeta]
	data         *stream.DataStream // reassembled transfer payload
}

func newEndpointStreams() *endpointStreams {
	return &endpointStreams{
		transactions: stream.NewIndexStream(),
		groupIndex:   stream.NewIndexStream(),
		groupMeta:    stream.NewRecordStream[GroupMeta](groupMetaCodec{}),
		data:         stream.NewDataStream(),
	}
}

// Store aggregates every stream a capture is made of. A Store has
// exactly one writer (the decoder) and any number of readers.
type Store struct {
	maxPackets uint64

	packetData  *stream.DataStream
	packetIndex *stream.IndexStream // end offset of each packet's bytes
	timestamps  *stream.IndexStream // ns since capture start, monotonic

	transactionIndex *stream.IndexStream // first packet id per transaction
	transactionMeta  *stream.RecordStream[TransactionMeta]
	txnEndpoints     *stream.PackedStream // endpoint id per closed transaction

	items     *stream.RecordStream[ItemRecord]
	endpoints *stream.RecordStream[EndpointRecord]
	devices   *stream.RecordStream[DeviceRecord]
	strings   *stream.DataStream

	// Per-endpoint streams, replaced wholesale when an endpoint is added.
	epStreams atomic.Pointer[[]*endpointStreams]

	complete atomic.Bool
}

// NewStore creates an empty store. maxPackets of zero means unlimited.
// The store is created with the default device at address 0 and the
// two reserved endpoints for invalid and framing packets.
func NewStore(maxPackets uint64) *Store {
	s := &Store{
		maxPackets:       maxPackets,
		packetData:       stream.NewDataStream(),
		packetIndex:      stream.NewIndexStream(),
		timestamps:       stream.NewIndexStream(),
		transactionIndex: stream.NewIndexStream(),
		transactionMeta:  stream.NewRecordStream[TransactionMeta](txnMetaCodec{}),
		txnEndpoints:     stream.NewPackedStream(),
		items:            stream.NewRecordStream[ItemRecord](itemCodec{}),
		endpoints:        stream.NewRecordStream[EndpointRecord](endpointCodec{}),
		devices:          stream.NewRecordStream[DeviceRecord](deviceCodec{}),
		strings:          stream.NewDataStream(),
	}
	empty := make([]*endpointStreams, 0, 8)
	s.epStreams.Store(&empty)

	defaultDev := s.AddDevice(0)
	s.AddEndpoint(defaultDev, 0, invalidEpNum, usb.DirOut)
	s.AddEndpoint(defaultDev, 0, framingEpNum, usb.DirOut)
	return s
}

// SetComplete marks the capture as finished.
func (s *Store) SetComplete() { s.complete.Store(true) }

// Complete reports whether the capture has finished.
func (s *Store) Complete() bool { return s.complete.Load() }

// PacketCount returns the published number of packets.
func (s *Store) PacketCount() uint64 { return s.packetIndex.Len() }

// TransactionCount returns the published number of transactions.
func (s *Store) TransactionCount() uint64 { return s.transactionIndex.Len() }

// ItemCount returns the published number of top-level items.
func (s *Store) ItemCount() uint64 { return s.items.Len() }

// DeviceCount returns the published number of device records.
func (s *Store) DeviceCount() uint64 { return s.devices.Len() }

// EndpointCount returns the published number of endpoint records.
func (s *Store) EndpointCount() uint64 { return s.endpoints.Len() }

// RecordPacket appends a raw packet with its timestamp and returns its
// id. Timestamps are nanoseconds from the capture start and must be
// monotonic.
func (s *Store) RecordPacket(tsNs uint64, data []byte) (PacketID, error) {
	if s.maxPackets > 0 && s.packetIndex.Len() >= s.maxPackets {
		return 0, ErrStoreFull
	}
	r := s.packetData.Append(data)
	s.timestamps.Push(tsNs)
	return s.packetIndex.Push(r.End), nil
}

// OpenTransaction starts a transaction whose first packet is firstPacket
// and returns its id. The bus carries one transaction at a time, so the
// previous transaction must have been closed.
func (s *Store) OpenTransaction(firstPacket PacketID) TransactionID {
	if s.transactionMeta.Len() != s.transactionIndex.Len() {
		panic("capture: opening a transaction while one is still open")
	}
	return s.transactionIndex.Push(firstPacket)
}

// CloseTransaction writes the metadata of the currently open
// transaction. Every opened transaction must be closed before the next
// one opens. The endpoint id is published before the meta record, so a
// reader that sees the meta always resolves the endpoint.
func (s *Store) CloseTransaction(meta TransactionMeta) {
	if s.transactionMeta.Len()+1 != s.transactionIndex.Len() {
		panic("capture: no open transaction to close")
	}
	s.txnEndpoints.Push(meta.Endpoint)
	s.transactionMeta.Append(meta)
}

// AddDevice appends a fresh device record for the given address.
func (s *Store) AddDevice(address uint8) DeviceID {
	return s.devices.Append(DeviceRecord{Address: address})
}

// AddEndpoint registers an endpoint and creates its streams.
func (s *Store) AddEndpoint(dev DeviceID, devAddr, number uint8, dir usb.Direction) EndpointID {
	old := *s.epStreams.Load()
	grown := make([]*endpointStreams, len(old)+1)
	copy(grown, old)
	grown[len(old)] = newEndpointStreams()
	s.epStreams.Store(&grown)
	return s.endpoints.Append(EndpointRecord{
		Device:     dev,
		DevAddress: devAddr,
		Number:     number,
		Direction:  dir,
	})
}

func (s *Store) ep(id EndpointID) *endpointStreams {
	eps := *s.epStreams.Load()
	return eps[id]
}

// AddEndpointTransaction appends a transaction to an endpoint's list
// and returns its position in that list.
func (s *Store) AddEndpointTransaction(ep EndpointID, txn TransactionID) EndpointTransactionID {
	return s.ep(ep).transactions.Push(txn)
}

// OpenGroup starts a group on the endpoint beginning at the given
// position in its transaction list, and links it as a top-level item.
func (s *Store) OpenGroup(ep EndpointID, first EndpointTransactionID) EndpointGroupID {
	es := s.ep(ep)
	if es.groupMeta.Len() != es.groupIndex.Len() {
		panic("capture: opening a group while one is still open on the endpoint")
	}
	id := es.groupIndex.Push(first)
	s.items.Append(ItemRecord{Endpoint: ep, Group: id})
	return id
}

// CloseGroup writes the metadata of the endpoint's open group.
func (s *Store) CloseGroup(ep EndpointID, meta GroupMeta) {
	es := s.ep(ep)
	if es.groupMeta.Len()+1 != es.groupIndex.Len() {
		panic("capture: no open group to close on the endpoint")
	}
	es.groupMeta.Append(meta)
}

// AppendTransferData appends reassembled payload bytes to the
// endpoint's data arena and returns their range.
func (s *Store) AppendTransferData(ep EndpointID, data []byte) stream.Range {
	return s.ep(ep).data.Append(data)
}

// TransferDataLen returns the current length of the endpoint's payload
// arena, used to delimit an open group's payload.
func (s *Store) TransferDataLen(ep EndpointID) uint64 {
	return s.ep(ep).data.Len()
}

// InternString stores a string in the string table and returns its range.
func (s *Store) InternString(text string) stream.Range {
	return s.strings.Append([]byte(text))
}
