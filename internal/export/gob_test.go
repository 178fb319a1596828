package export

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"
	"time"

	"usblens/internal/capture"
	"usblens/internal/decoder"
	"usblens/internal/descriptor"
	"usblens/internal/usb"
)

func decodedStore(t *testing.T) *capture.Store {
	t.Helper()
	store := capture.NewStore(0)
	dec := decoder.New(store, descriptor.NewEngine())
	packets := [][]byte{
		usb.BuildSOF(1),
		usb.BuildToken(usb.PIDIn, 5, 1),
		usb.BuildHandshake(usb.PIDNak),
	}
	for i, p := range packets {
		if err := dec.HandlePacket(uint64(i)*1000, p); err != nil {
			t.Fatalf("HandlePacket failed: %v", err)
		}
	}
	dec.Finish()
	return store
}

func TestGobWriterWritesSnapshot(t *testing.T) {
	store := decodedStore(t)
	dir := t.TempDir()
	w := NewGobWriter(dir, time.Second)
	if err := w.Write(store, "2026-01-02_15-04-05"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	groupsPath := filepath.Join(dir, "2026-01-02_15-04-05", "groups.dat")
	f, err := os.Open(groupsPath)
	if err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	defer f.Close()
	var groups []GroupSnapshot
	if err := gob.NewDecoder(f).Decode(&groups); err != nil {
		t.Fatalf("decoding snapshot failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups in snapshot, got %d", len(groups))
	}
	if groups[0].Kind != "SOF" {
		t.Errorf("expected SOF group first, got %q", groups[0].Kind)
	}
	if groups[1].Kind != "polling" {
		t.Errorf("expected polling group second, got %q", groups[1].Kind)
	}

	if _, err := os.Stat(filepath.Join(dir, "2026-01-02_15-04-05", "summary.json")); err != nil {
		t.Errorf("summary file missing: %v", err)
	}
}
