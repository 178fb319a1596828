package capture

import (
	"usblens/internal/stream"
	"usblens/internal/usb"
)

// Packet is a fully resolved packet read back from the store.
type Packet struct {
	ID          PacketID
	TimestampNs uint64
	Data        []byte
	PID         usb.PID
	Valid       bool
}

// PacketAt reads the packet with the given id.
func (s *Store) PacketAt(id PacketID) (Packet, error) {
	count := s.packetIndex.Len()
	if id >= count {
		return Packet{}, ErrNotPresent
	}
	end, err := s.packetIndex.At(id)
	if err != nil {
		return Packet{}, err
	}
	var start uint64
	if id > 0 {
		if start, err = s.packetIndex.At(id - 1); err != nil {
			return Packet{}, err
		}
	}
	data, err := s.packetData.Get(stream.Range{Start: start, End: end})
	if err != nil {
		return Packet{}, err
	}
	ts, err := s.timestamps.At(id)
	if err != nil {
		return Packet{}, err
	}
	pid, valid := usb.Validate(data)
	return Packet{ID: id, TimestampNs: ts, Data: data, PID: pid, Valid: valid}, nil
}

// Transaction is a resolved transaction: a contiguous span of packets
// plus the metadata recorded at close. Meta is nil while the
// transaction is still open.
type Transaction struct {
	ID          TransactionID
	FirstPacket PacketID
	PacketCount uint64
	Meta        *TransactionMeta
}

// TransactionAt reads the transaction with the given id.
func (s *Store) TransactionAt(id TransactionID) (Transaction, error) {
	count := s.transactionIndex.Len()
	if id >= count {
		return Transaction{}, ErrNotPresent
	}
	first, err := s.transactionIndex.At(id)
	if err != nil {
		return Transaction{}, err
	}
	var end uint64
	if id+1 < count {
		if end, err = s.transactionIndex.At(id + 1); err != nil {
			return Transaction{}, err
		}
	} else {
		end = s.packetIndex.Len()
	}
	txn := Transaction{ID: id, FirstPacket: first, PacketCount: end - first}
	if id < s.transactionMeta.Len() {
		meta, err := s.transactionMeta.At(id)
		if err != nil {
			return Transaction{}, err
		}
		meta.Endpoint, err = s.txnEndpoints.At(id)
		if err != nil {
			return Transaction{}, err
		}
		txn.Meta = &meta
	}
	return txn, nil
}

// Group is a resolved group on one endpoint: a contiguous span of that
// endpoint's transactions. Meta is nil while the group is open.
type Group struct {
	Endpoint         EndpointID
	ID               EndpointGroupID
	FirstTransaction EndpointTransactionID
	TransactionCount uint64
	Meta             *GroupMeta
}

// GroupAt reads the given group of an endpoint.
func (s *Store) GroupAt(ep EndpointID, id EndpointGroupID) (Group, error) {
	if ep >= s.endpoints.Len() {
		return Group{}, ErrNotPresent
	}
	es := s.ep(ep)
	count := es.groupIndex.Len()
	if id >= count {
		return Group{}, ErrNotPresent
	}
	first, err := es.groupIndex.At(id)
	if err != nil {
		return Group{}, err
	}
	var end uint64
	if id+1 < count {
		if end, err = es.groupIndex.At(id + 1); err != nil {
			return Group{}, err
		}
	} else {
		end = es.transactions.Len()
	}
	g := Group{Endpoint: ep, ID: id, FirstTransaction: first, TransactionCount: end - first}
	if id < es.groupMeta.Len() {
		meta, err := es.groupMeta.At(id)
		if err != nil {
			return Group{}, err
		}
		g.Meta = &meta
	}
	return g, nil
}

// EndpointTransactionAt resolves the global transaction id at position
// i of the endpoint's transaction list.
func (s *Store) EndpointTransactionAt(ep EndpointID, i EndpointTransactionID) (TransactionID, error) {
	if ep >= s.endpoints.Len() {
		return 0, ErrNotPresent
	}
	id, err := s.ep(ep).transactions.At(i)
	if err != nil {
		return 0, ErrNotPresent
	}
	return id, nil
}

// EndpointAt reads an endpoint record.
func (s *Store) EndpointAt(id EndpointID) (EndpointRecord, error) {
	rec, err := s.endpoints.At(id)
	if err != nil {
		return EndpointRecord{}, ErrNotPresent
	}
	return rec, nil
}

// DeviceAt reads a device record.
func (s *Store) DeviceAt(id DeviceID) (DeviceRecord, error) {
	rec, err := s.devices.At(id)
	if err != nil {
		return DeviceRecord{}, ErrNotPresent
	}
	return rec, nil
}

// ItemAt reads the top-level item at the given chronological position.
func (s *Store) ItemAt(id ItemID) (ItemRecord, error) {
	rec, err := s.items.At(id)
	if err != nil {
		return ItemRecord{}, ErrNotPresent
	}
	return rec, nil
}

// ItemGroup resolves an item straight to its group.
func (s *Store) ItemGroup(id ItemID) (Group, error) {
	it, err := s.ItemAt(id)
	if err != nil {
		return Group{}, err
	}
	return s.GroupAt(it.Endpoint, it.Group)
}

// GroupPayload reads the reassembled payload bytes of a closed group.
func (s *Store) GroupPayload(ep EndpointID, meta *GroupMeta) ([]byte, error) {
	if meta == nil || meta.Payload.Len() == 0 {
		return nil, nil
	}
	return s.ep(ep).data.Get(meta.Payload)
}

// GroupSummary reads the interned request description of a closed group.
func (s *Store) GroupSummary(meta *GroupMeta) (string, error) {
	if meta == nil || meta.Summary.Len() == 0 {
		return "", nil
	}
	b, err := s.strings.Get(meta.Summary)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Snapshot is a consistent set of length counters. Readers that bound
// their reads by a snapshot never observe partially decoded entities.
type Snapshot struct {
	Packets      uint64
	Transactions uint64
	Items        uint64
	Devices      uint64
	Endpoints    uint64
	Complete     bool
}

// TakeSnapshot loads the current published lengths. Item count is
// loaded first so every item in the snapshot resolves to entities also
// inside it.
func (s *Store) TakeSnapshot() Snapshot {
	items := s.items.Len()
	return Snapshot{
		Items:        items,
		Transactions: s.transactionIndex.Len(),
		Packets:      s.packetIndex.Len(),
		Devices:      s.devices.Len(),
		Endpoints:    s.endpoints.Len(),
		Complete:     s.complete.Load(),
	}
}
