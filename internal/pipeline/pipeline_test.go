package pipeline

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"usblens/internal/source"
	"usblens/internal/usb"
	"usblens/pkg/pcapfile"
)

func enumerationPackets() [][]byte {
	fields := usb.SetupFields{
		RequestType: usb.RequestStandard,
		Recipient:   usb.RecipientDevice,
		Direction:   usb.DirOut,
		Request:     usb.ReqSetAddress,
		Value:       5,
	}
	return [][]byte{
		usb.BuildSOF(1),
		usb.BuildSOF(2),
		usb.BuildToken(usb.PIDSetup, 0, 0),
		usb.BuildSetupData(fields),
		usb.BuildHandshake(usb.PIDAck),
		usb.BuildToken(usb.PIDIn, 0, 0),
		usb.BuildData(usb.PIDData1, nil),
		usb.BuildHandshake(usb.PIDAck),
	}
}

func TestPipelineDecodesReplay(t *testing.T) {
	src := source.NewPacketReplay(enumerationPackets())
	pipe := New(src, 0, 16)
	pipe.Start()
	pipe.Wait()

	for e := range pipe.Errors() {
		t.Fatalf("unexpected pipeline error: %v", e.Err)
	}
	snap := pipe.Store().TakeSnapshot()
	if snap.Packets != 8 {
		t.Errorf("expected 8 packets decoded, got %d", snap.Packets)
	}
	if !snap.Complete {
		t.Errorf("store should be marked complete")
	}
	if snap.Items != 2 {
		t.Errorf("expected SOF group and transfer group, got %d items", snap.Items)
	}
	// The SET_ADDRESS must have produced a device record at address 5.
	found := false
	for _, dev := range pipe.Devices().Snapshot() {
		if dev.Address == 5 {
			found = true
		}
	}
	if !found {
		t.Errorf("no device record at address 5 after enumeration")
	}
}

func TestPipelineCancellation(t *testing.T) {
	// A SOF stream cancelled before the first pull; the capture must
	// still close with the store marked complete.
	events := make([]source.CaptureEvent, 0, 100)
	for i := 0; i < 100; i++ {
		events = append(events, source.CaptureEvent{
			Kind: source.EventPacket,
			TsNs: uint64(i) * 1000,
			Data: usb.BuildSOF(uint16(i)),
		})
	}
	src := source.NewReplay(events)
	src.Cancel()

	pipe := New(src, 0, 16)
	pipe.Start()
	pipe.Wait()

	snap := pipe.Store().TakeSnapshot()
	if !snap.Complete {
		t.Errorf("cancelled capture must still complete the store")
	}
	if snap.Packets != 0 {
		t.Errorf("cancellation before the first pull should record nothing, got %d", snap.Packets)
	}
}

func TestPipelineStoreFullStopsCapture(t *testing.T) {
	src := source.NewPacketReplay(enumerationPackets())
	pipe := New(src, 3, 16)
	pipe.Start()
	pipe.Wait()

	var sawError bool
	for e := range pipe.Errors() {
		sawError = true
		if e.Err == nil {
			t.Errorf("error event without an error")
		}
	}
	if !sawError {
		t.Fatalf("expected a store-full error")
	}
	if got := pipe.Store().PacketCount(); got != 3 {
		t.Errorf("expected 3 packets retained, got %d", got)
	}
}

func TestPipelineSaveRoundTrip(t *testing.T) {
	src := source.NewPacketReplay(enumerationPackets())
	pipe := New(src, 0, 16)
	pipe.Start()
	pipe.Wait()

	dir := t.TempDir()
	path, err := pipe.Save(filepath.Join(dir, "out"), pcapfile.FormatPcap)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Ext(path) != ".pcap" {
		t.Errorf("expected .pcap extension appended, got %q", path)
	}

	// Reload and decode again: stores must agree on packet bytes,
	// timestamps, transaction ranges, and group ranges.
	fileSrc, err := source.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	pipe2 := New(fileSrc, 0, 16)
	pipe2.Start()
	pipe2.Wait()

	a, b := pipe.Store().TakeSnapshot(), pipe2.Store().TakeSnapshot()
	if a.Packets != b.Packets || a.Transactions != b.Transactions || a.Items != b.Items {
		t.Fatalf("reloaded store differs: %+v vs %+v", a, b)
	}
	for i := uint64(0); i < a.Packets; i++ {
		p1, err1 := pipe.Store().PacketAt(i)
		p2, err2 := pipe2.Store().PacketAt(i)
		if err1 != nil || err2 != nil {
			t.Fatalf("PacketAt(%d) failed: %v %v", i, err1, err2)
		}
		if !bytes.Equal(p1.Data, p2.Data) || p1.TimestampNs != p2.TimestampNs {
			t.Errorf("packet %d differs after reload", i)
		}
	}
	for i := uint64(0); i < a.Transactions; i++ {
		t1, _ := pipe.Store().TransactionAt(i)
		t2, _ := pipe2.Store().TransactionAt(i)
		if t1.FirstPacket != t2.FirstPacket || t1.PacketCount != t2.PacketCount {
			t.Errorf("transaction %d range differs after reload", i)
		}
	}
	for i := uint64(0); i < a.Items; i++ {
		g1, err1 := pipe.Store().ItemGroup(i)
		g2, err2 := pipe2.Store().ItemGroup(i)
		if err1 != nil || err2 != nil {
			t.Fatalf("ItemGroup(%d) failed: %v %v", i, err1, err2)
		}
		if g1.Endpoint != g2.Endpoint || g1.FirstTransaction != g2.FirstTransaction ||
			g1.TransactionCount != g2.TransactionCount {
			t.Errorf("group %d range differs after reload", i)
		}
	}

	// A second save must be byte-identical to the first.
	path2, err := pipe2.Save(filepath.Join(dir, "out2"), pcapfile.FormatPcap)
	if err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("save/load/save is not byte-identical")
	}
}

func TestPipelineSavePcapng(t *testing.T) {
	src := source.NewPacketReplay(enumerationPackets())
	pipe := New(src, 0, 16)
	pipe.Start()
	pipe.Wait()

	dir := t.TempDir()
	path, err := pipe.Save(filepath.Join(dir, "out"), pcapfile.FormatPcapng)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	r, err := pcapfile.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	count := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if rec.Packet != nil {
			count++
		}
	}
	if count != 8 {
		t.Errorf("expected 8 packets in pcapng, got %d", count)
	}
}
