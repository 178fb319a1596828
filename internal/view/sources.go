package view

import (
	"fmt"
	"sort"

	"usblens/internal/capture"
	"usblens/internal/usb"
)

// NewHierarchy creates the hierarchical view: groups at the top level,
// transactions below them, packets below those.
func NewHierarchy(store *capture.Store) *Model {
	return newModel(store, &hierSource{store: store})
}

// NewTransactions creates the flat transactions view with expandable
// packet children.
func NewTransactions(store *capture.Store) *Model {
	return newModel(store, &txnSource{store: store})
}

// NewPackets creates the flat packets view.
func NewPackets(store *capture.Store) *Model {
	return newModel(store, &pktSource{store: store})
}

// clampedGroupCount counts the group's transactions that fall inside
// the snapshot, by binary search over the endpoint's monotonic
// transaction list.
func clampedGroupCount(store *capture.Store, snap capture.Snapshot, ep capture.EndpointID, id capture.EndpointGroupID) uint64 {
	g, err := store.GroupAt(ep, id)
	if err != nil {
		return 0
	}
	count := int(g.TransactionCount)
	k := sort.Search(count, func(k int) bool {
		txn, err := store.EndpointTransactionAt(ep, g.FirstTransaction+uint64(k))
		if err != nil {
			return true
		}
		return txn >= snap.Transactions
	})
	return uint64(k)
}

// clampedPacketCount counts a transaction's packets inside the snapshot.
func clampedPacketCount(store *capture.Store, snap capture.Snapshot, id capture.TransactionID) uint64 {
	txn, err := store.TransactionAt(id)
	if err != nil || txn.FirstPacket >= snap.Packets {
		return 0
	}
	count := txn.PacketCount
	if txn.FirstPacket+count > snap.Packets {
		count = snap.Packets - txn.FirstPacket
	}
	return count
}

// entityTimestamp returns the timestamp of the entity's first packet.
func entityTimestamp(store *capture.Store, c Cursor) uint64 {
	var pkt capture.PacketID
	switch c.Kind {
	case KindItem:
		g, err := store.GroupAt(c.Endpoint, c.Group)
		if err != nil {
			return 0
		}
		txn, err := store.EndpointTransactionAt(c.Endpoint, g.FirstTransaction)
		if err != nil {
			return 0
		}
		t, err := store.TransactionAt(txn)
		if err != nil {
			return 0
		}
		pkt = t.FirstPacket
	case KindTransaction:
		t, err := store.TransactionAt(c.Transaction)
		if err != nil {
			return 0
		}
		pkt = t.FirstPacket
	case KindPacket:
		pkt = c.Packet
	}
	p, err := store.PacketAt(pkt)
	if err != nil {
		return 0
	}
	return p.TimestampNs
}

// hierSource projects items -> transactions -> packets.
type hierSource struct {
	store *capture.Store
}

func (s *hierSource) topCount(snap capture.Snapshot) uint64 {
	return snap.Items
}

func (s *hierSource) topCursor(pos uint64) (Cursor, error) {
	it, err := s.store.ItemAt(pos)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Kind: KindItem, Item: pos, Endpoint: it.Endpoint, Group: it.Group}, nil
}

func (s *hierSource) child(parent Cursor, pos uint64) (Cursor, error) {
	switch parent.Kind {
	case KindItem:
		g, err := s.store.GroupAt(parent.Endpoint, parent.Group)
		if err != nil {
			return Cursor{}, err
		}
		txn, err := s.store.EndpointTransactionAt(parent.Endpoint, g.FirstTransaction+pos)
		if err != nil {
			return Cursor{}, err
		}
		return Cursor{Kind: KindTransaction, Transaction: txn, Endpoint: parent.Endpoint}, nil
	case KindTransaction:
		t, err := s.store.TransactionAt(parent.Transaction)
		if err != nil {
			return Cursor{}, err
		}
		return Cursor{Kind: KindPacket, Packet: t.FirstPacket + pos}, nil
	}
	return Cursor{}, capture.ErrNotPresent
}

func (s *hierSource) childCount(c Cursor, snap capture.Snapshot) uint64 {
	switch c.Kind {
	case KindRoot:
		return snap.Items
	case KindItem:
		return clampedGroupCount(s.store, snap, c.Endpoint, c.Group)
	case KindTransaction:
		return clampedPacketCount(s.store, snap, c.Transaction)
	}
	return 0
}

func (s *hierSource) row(c Cursor, depth int, expanded bool, childCount uint64) (Row, error) {
	var text string
	var err error
	switch c.Kind {
	case KindItem:
		text, err = summarizeGroup(s.store, c.Endpoint, c.Group)
	case KindTransaction:
		text, err = summarizeTransaction(s.store, c.Transaction)
	case KindPacket:
		text, err = summarizePacket(s.store, c.Packet)
	}
	if err != nil {
		return Row{}, err
	}
	return Row{
		Depth:       depth,
		Text:        text,
		TimestampNs: entityTimestamp(s.store, c),
		Expandable:  c.Kind != KindPacket && childCount > 0,
		Expanded:    expanded,
		ChildCount:  childCount,
		Cursor:      c,
	}, nil
}

// txnSource projects all transactions flat, with packet children.
type txnSource struct {
	store *capture.Store
}

func (s *txnSource) topCount(snap capture.Snapshot) uint64 {
	return snap.Transactions
}

func (s *txnSource) topCursor(pos uint64) (Cursor, error) {
	return Cursor{Kind: KindTransaction, Transaction: pos}, nil
}

func (s *txnSource) child(parent Cursor, pos uint64) (Cursor, error) {
	if parent.Kind != KindTransaction {
		return Cursor{}, capture.ErrNotPresent
	}
	t, err := s.store.TransactionAt(parent.Transaction)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Kind: KindPacket, Packet: t.FirstPacket + pos}, nil
}

func (s *txnSource) childCount(c Cursor, snap capture.Snapshot) uint64 {
	switch c.Kind {
	case KindRoot:
		return snap.Transactions
	case KindTransaction:
		return clampedPacketCount(s.store, snap, c.Transaction)
	}
	return 0
}

func (s *txnSource) row(c Cursor, depth int, expanded bool, childCount uint64) (Row, error) {
	var text string
	var err error
	switch c.Kind {
	case KindTransaction:
		text, err = summarizeTransaction(s.store, c.Transaction)
	case KindPacket:
		text, err = summarizePacket(s.store, c.Packet)
	}
	if err != nil {
		return Row{}, err
	}
	return Row{
		Depth:       depth,
		Text:        text,
		TimestampNs: entityTimestamp(s.store, c),
		Expandable:  c.Kind == KindTransaction && childCount > 0,
		Expanded:    expanded,
		ChildCount:  childCount,
		Cursor:      c,
	}, nil
}

// pktSource projects every packet flat, no grouping.
type pktSource struct {
	store *capture.Store
}

func (s *pktSource) topCount(snap capture.Snapshot) uint64 {
	return snap.Packets
}

func (s *pktSource) topCursor(pos uint64) (Cursor, error) {
	return Cursor{Kind: KindPacket, Packet: pos}, nil
}

func (s *pktSource) child(Cursor, uint64) (Cursor, error) {
	return Cursor{}, capture.ErrNotPresent
}

func (s *pktSource) childCount(c Cursor, snap capture.Snapshot) uint64 {
	if c.Kind == KindRoot {
		return snap.Packets
	}
	return 0
}

func (s *pktSource) row(c Cursor, depth int, expanded bool, childCount uint64) (Row, error) {
	text, err := summarizePacket(s.store, c.Packet)
	if err != nil {
		return Row{}, err
	}
	return Row{
		Depth:       depth,
		Text:        text,
		TimestampNs: entityTimestamp(s.store, c),
		Cursor:      c,
	}, nil
}

// summarizeGroup renders the one-line text of a top-level row.
func summarizeGroup(store *capture.Store, ep capture.EndpointID, id capture.EndpointGroupID) (string, error) {
	g, err := store.GroupAt(ep, id)
	if err != nil {
		return "", err
	}
	rec, err := store.EndpointAt(ep)
	if err != nil {
		return "", err
	}
	addr := fmt.Sprintf("%d.%d", rec.DevAddress, rec.Number)

	if g.Meta == nil {
		return fmt.Sprintf("Transfer on %s, %d transactions, in progress",
			addr, g.TransactionCount), nil
	}
	meta := g.Meta
	switch meta.Kind {
	case capture.GroupSOF:
		count, frames := sofSummary(store, ep, g)
		if frames != "" {
			return fmt.Sprintf("%d SOF packets, frames %s", count, frames), nil
		}
		return fmt.Sprintf("%d SOF packets", count), nil
	case capture.GroupInvalid:
		count := groupPacketCount(store, ep, g)
		return fmt.Sprintf("%d invalid packets", count), nil
	case capture.GroupPolling:
		return fmt.Sprintf("Polling %d times on %s %s", g.TransactionCount,
			addr, usb.DirectionOf(meta.First)), nil
	}
	summary, err := store.GroupSummary(meta)
	if err != nil {
		return "", err
	}
	if summary != "" {
		return fmt.Sprintf("Control transfer on %s: %s, %s",
			addr, summary, meta.Status), nil
	}
	bytes := meta.Payload.Len()
	return fmt.Sprintf("%s transfer on %s, %d transactions, %d bytes, %s",
		usb.DirectionOf(meta.First), addr, g.TransactionCount, bytes, meta.Status), nil
}

// sofSummary counts the packets of a SOF run and renders its frame
// number range.
func sofSummary(store *capture.Store, ep capture.EndpointID, g capture.Group) (uint64, string) {
	count := groupPacketCount(store, ep, g)
	if count == 0 {
		return 0, ""
	}
	txn, err := store.EndpointTransactionAt(ep, g.FirstTransaction)
	if err != nil {
		return count, ""
	}
	t, err := store.TransactionAt(txn)
	if err != nil {
		return count, ""
	}
	first, err1 := store.PacketAt(t.FirstPacket)
	last, err2 := store.PacketAt(t.FirstPacket + t.PacketCount - 1)
	if err1 != nil || err2 != nil || len(first.Data) < 3 || len(last.Data) < 3 {
		return count, ""
	}
	lo := usb.FrameNumber(first.Data)
	hi := usb.FrameNumber(last.Data)
	if lo == hi {
		return count, fmt.Sprintf("%d", lo)
	}
	return count, fmt.Sprintf("%d-%d", lo, hi)
}

func groupPacketCount(store *capture.Store, ep capture.EndpointID, g capture.Group) uint64 {
	var count uint64
	for i := uint64(0); i < g.TransactionCount; i++ {
		txn, err := store.EndpointTransactionAt(ep, g.FirstTransaction+i)
		if err != nil {
			break
		}
		t, err := store.TransactionAt(txn)
		if err != nil {
			break
		}
		count += t.PacketCount
	}
	return count
}

// summarizeTransaction renders the one-line text of a transaction row.
func summarizeTransaction(store *capture.Store, id capture.TransactionID) (string, error) {
	t, err := store.TransactionAt(id)
	if err != nil {
		return "", err
	}
	if t.Meta == nil {
		first, err := store.PacketAt(t.FirstPacket)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s transaction, %d packets, in progress",
			first.PID, t.PacketCount), nil
	}
	meta := t.Meta
	switch meta.Token {
	case usb.PIDSof:
		return fmt.Sprintf("%d SOF packets", t.PacketCount), nil
	case usb.PIDMalformed:
		return fmt.Sprintf("%d malformed packets", t.PacketCount), nil
	}
	bytes := transactionPayloadLen(store, t)
	prefix := ""
	if meta.Split {
		prefix = "split "
	}
	if bytes > 0 {
		return fmt.Sprintf("%s%s transaction, %s, %d bytes",
			prefix, meta.Token, meta.Result, bytes), nil
	}
	return fmt.Sprintf("%s%s transaction, %s", prefix, meta.Token, meta.Result), nil
}

// transactionPayloadLen sums the data payload carried by a
// transaction's packets.
func transactionPayloadLen(store *capture.Store, t capture.Transaction) int {
	total := 0
	for i := uint64(0); i < t.PacketCount; i++ {
		p, err := store.PacketAt(t.FirstPacket + i)
		if err != nil {
			break
		}
		if p.PID.IsData() && len(p.Data) >= 3 {
			total += len(p.Data) - 3
		}
	}
	return total
}

// summarizePacket renders the one-line text of a packet row.
func summarizePacket(store *capture.Store, id capture.PacketID) (string, error) {
	p, err := store.PacketAt(id)
	if err != nil {
		return "", err
	}
	suffix := ""
	if !p.Valid {
		suffix = " (invalid)"
	}
	switch {
	case p.PID.IsToken():
		f := usb.ParseToken(p.Data)
		return fmt.Sprintf("%s packet on %d.%d%s",
			p.PID, f.DeviceAddress, f.EndpointNumber, suffix), nil
	case p.PID == usb.PIDSof:
		if len(p.Data) >= 3 {
			return fmt.Sprintf("SOF packet, frame %d%s",
				usb.FrameNumber(p.Data), suffix), nil
		}
	case p.PID.IsData():
		if len(p.Data) >= 3 {
			return fmt.Sprintf("%s packet, %d bytes%s",
				p.PID, len(p.Data)-3, suffix), nil
		}
	case p.PID == usb.PIDSplit:
		if len(p.Data) >= 4 {
			f := usb.ParseSplit(p.Data)
			return fmt.Sprintf("SPLIT %s packet for hub %d port %d%s",
				f.SC, f.HubAddress, f.Port, suffix), nil
		}
	case p.PID.IsHandshake():
		return fmt.Sprintf("%s packet%s", p.PID, suffix), nil
	}
	return fmt.Sprintf("%s packet, %d bytes%s", p.PID, len(p.Data), suffix), nil
}
