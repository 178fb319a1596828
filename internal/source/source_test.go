package source

import (
	"os"
	"path/filepath"
	"testing"

	"usblens/internal/usb"
	"usblens/pkg/pcapfile"
)

func TestReplaySourceYieldsAndEnds(t *testing.T) {
	src := NewPacketReplay([][]byte{
		usb.BuildSOF(1),
		usb.BuildHandshake(usb.PIDAck),
	})
	ev := src.Next()
	if ev.Kind != EventPacket || ev.TsNs != 0 {
		t.Fatalf("unexpected first event: %+v", ev)
	}
	ev = src.Next()
	if ev.Kind != EventPacket || ev.TsNs != 1000 {
		t.Fatalf("unexpected second event: %+v", ev)
	}
	ev = src.Next()
	if ev.Kind != EventEnd || ev.Reason != EndComplete {
		t.Fatalf("expected end of stream, got %+v", ev)
	}
	// The end event repeats on further pulls.
	if ev := src.Next(); ev.Kind != EventEnd {
		t.Errorf("expected sticky end event, got %+v", ev)
	}
}

func TestReplaySourceCancel(t *testing.T) {
	src := NewPacketReplay([][]byte{usb.BuildSOF(1)})
	src.Cancel()
	ev := src.Next()
	if ev.Kind != EventEnd || ev.Reason != EndCancelled {
		t.Errorf("expected cancelled end, got %+v", ev)
	}
}

func TestFileSourceReadsPcapng(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.pcapng")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := pcapfile.NewNgWriter(f)
	if err != nil {
		t.Fatalf("NewNgWriter failed: %v", err)
	}
	w.AddEvent(pcapfile.Event{TsNs: 0, Code: pcapfile.EventSpeedChange, Payload: []byte{byte(usb.SpeedFull)}})
	w.AddPacket(100, usb.BuildSOF(7))
	w.AddEvent(pcapfile.Event{TsNs: 200, Code: pcapfile.EventVbus, Payload: []byte{1}})
	w.AddEvent(pcapfile.Event{TsNs: 300, Code: pcapfile.EventCaptureStop})
	f.Close()

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	ev := src.Next()
	if ev.Kind != EventSpeedChange || ev.Speed != usb.SpeedFull {
		t.Fatalf("expected speed change, got %+v", ev)
	}
	ev = src.Next()
	if ev.Kind != EventPacket || ev.TsNs != 100 {
		t.Fatalf("expected packet, got %+v", ev)
	}
	ev = src.Next()
	if ev.Kind != EventVbus || !ev.VbusOn {
		t.Fatalf("expected vbus event, got %+v", ev)
	}
	// The capture-stop marker is skipped, so the file ends here.
	ev = src.Next()
	if ev.Kind != EventEnd || ev.Reason != EndComplete {
		t.Fatalf("expected end, got %+v", ev)
	}
}

func TestFileSourceCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := pcapfile.NewPcapWriter(f)
	if err != nil {
		t.Fatalf("NewPcapWriter failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		w.AddPacket(uint64(i)*1000, usb.BuildSOF(uint16(i)))
	}
	w.Close()
	f.Close()

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if ev := src.Next(); ev.Kind != EventPacket {
		t.Fatalf("expected a packet first, got %+v", ev)
	}
	src.Cancel()
	if ev := src.Next(); ev.Kind != EventEnd || ev.Reason != EndCancelled {
		t.Errorf("expected cancelled end after Cancel, got %+v", ev)
	}
}
