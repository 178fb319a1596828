package capture

import (
	"bytes"
	"testing"

	"usblens/internal/usb"
)

func TestStoreRecordsPackets(t *testing.T) {
	s := NewStore(0)
	data := [][]byte{
		usb.BuildToken(usb.PIDSetup, 1, 0),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildSOF(42),
	}
	for i, d := range data {
		id, err := s.RecordPacket(uint64(i)*1000, d)
		if err != nil {
			t.Fatalf("RecordPacket failed: %v", err)
		}
		if id != uint64(i) {
			t.Fatalf("expected packet id %d, got %d", i, id)
		}
	}
	if s.PacketCount() != 3 {
		t.Fatalf("expected 3 packets, got %d", s.PacketCount())
	}
	for i, d := range data {
		pkt, err := s.PacketAt(uint64(i))
		if err != nil {
			t.Fatalf("PacketAt(%d) failed: %v", i, err)
		}
		if !bytes.Equal(pkt.Data, d) {
			t.Errorf("packet %d bytes differ: % x vs % x", i, pkt.Data, d)
		}
		if pkt.TimestampNs != uint64(i)*1000 {
			t.Errorf("packet %d timestamp %d, want %d", i, pkt.TimestampNs, uint64(i)*1000)
		}
		if !pkt.Valid {
			t.Errorf("packet %d should validate", i)
		}
	}
}

func TestStoreFull(t *testing.T) {
	s := NewStore(2)
	if _, err := s.RecordPacket(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordPacket(1, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordPacket(2, []byte{3}); err != ErrStoreFull {
		t.Errorf("expected ErrStoreFull, got %v", err)
	}
	// Everything recorded before the limit stays readable.
	if s.PacketCount() != 2 {
		t.Errorf("expected 2 packets retained, got %d", s.PacketCount())
	}
}

func TestTransactionLifecycle(t *testing.T) {
	s := NewStore(0)
	p0, _ := s.RecordPacket(0, usb.BuildToken(usb.PIDIn, 1, 1))
	txn := s.OpenTransaction(p0)
	s.RecordPacket(1, usb.BuildHandshake(usb.PIDNak))
	s.CloseTransaction(TransactionMeta{Endpoint: InvalidEpID, Token: usb.PIDIn, Result: ResultNak})

	got, err := s.TransactionAt(txn)
	if err != nil {
		t.Fatalf("TransactionAt failed: %v", err)
	}
	if got.FirstPacket != p0 || got.PacketCount != 2 {
		t.Errorf("unexpected range: first=%d count=%d", got.FirstPacket, got.PacketCount)
	}
	if got.Meta == nil || got.Meta.Result != ResultNak {
		t.Errorf("unexpected meta: %+v", got.Meta)
	}
}

func TestGroupLifecycle(t *testing.T) {
	s := NewStore(0)
	dev := s.AddDevice(5)
	ep := s.AddEndpoint(dev, 5, 2, usb.DirIn)

	p0, _ := s.RecordPacket(0, usb.BuildToken(usb.PIDIn, 5, 2))
	txn := s.OpenTransaction(p0)
	s.CloseTransaction(TransactionMeta{Endpoint: ep, Token: usb.PIDIn, Result: ResultAck})
	epTxn := s.AddEndpointTransaction(ep, txn)

	group := s.OpenGroup(ep, epTxn)
	if s.ItemCount() != 1 {
		t.Fatalf("opening a group must add a top-level item")
	}
	g, err := s.GroupAt(ep, group)
	if err != nil {
		t.Fatalf("GroupAt failed: %v", err)
	}
	if g.Meta != nil {
		t.Errorf("open group should have no metadata yet")
	}
	if g.TransactionCount != 1 {
		t.Errorf("expected live transaction count 1, got %d", g.TransactionCount)
	}

	payload := s.AppendTransferData(ep, []byte{1, 2, 3})
	s.CloseGroup(ep, GroupMeta{
		Kind:    GroupTransfer,
		Status:  StatusComplete,
		First:   usb.PIDIn,
		Last:    usb.PIDIn,
		Payload: payload,
	})
	g, err = s.GroupAt(ep, group)
	if err != nil {
		t.Fatalf("GroupAt failed: %v", err)
	}
	if g.Meta == nil || g.Meta.Status != StatusComplete {
		t.Fatalf("closed group metadata missing: %+v", g.Meta)
	}
	data, err := s.GroupPayload(ep, g.Meta)
	if err != nil || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("payload did not round-trip: % x (err %v)", data, err)
	}

	item, err := s.ItemGroup(0)
	if err != nil {
		t.Fatalf("ItemGroup failed: %v", err)
	}
	if item.Endpoint != ep || item.ID != group {
		t.Errorf("item does not reference the group: %+v", item)
	}
}

func TestInternString(t *testing.T) {
	s := NewStore(0)
	r := s.InternString("Setting address to 5")
	meta := &GroupMeta{Summary: r}
	got, err := s.GroupSummary(meta)
	if err != nil || got != "Setting address to 5" {
		t.Errorf("unexpected summary %q (err %v)", got, err)
	}
}

func TestDeviceArchiving(t *testing.T) {
	s := NewStore(0)
	first := s.AddDevice(5)
	second := s.AddDevice(5)
	if first == second {
		t.Fatalf("address reuse must create a distinct record")
	}
	d1, _ := s.DeviceAt(first)
	d2, _ := s.DeviceAt(second)
	if d1.Address != 5 || d2.Address != 5 {
		t.Errorf("both records should carry address 5")
	}
}

func TestSnapshotConsistency(t *testing.T) {
	s := NewStore(0)
	snap := s.TakeSnapshot()
	if snap.Items != 0 || snap.Packets != 0 {
		t.Errorf("fresh store snapshot not empty: %+v", snap)
	}
	s.RecordPacket(0, []byte{0x69})
	snap = s.TakeSnapshot()
	if snap.Packets != 1 {
		t.Errorf("expected 1 packet in snapshot, got %d", snap.Packets)
	}
}
