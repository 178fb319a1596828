package stream

import (
	"sync"
	"testing"
)

func TestDataStreamAppendGet(t *testing.T) {
	d := NewDataStream()
	r1 := d.Append([]byte("hello"))
	r2 := d.Append([]byte("world"))

	if d.Len() != 10 {
		t.Fatalf("expected length 10, got %d", d.Len())
	}
	got, err := d.Get(r1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	got, err = d.Get(r2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("expected %q, got %q", "world", got)
	}
}

func TestDataStreamCrossesBlocks(t *testing.T) {
	d := NewDataStream()
	chunk := make([]byte, 1000)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	var ranges []Range
	// Write enough to span several 64KiB blocks.
	for i := 0; i < 200; i++ {
		ranges = append(ranges, d.Append(chunk))
	}
	for i, r := range ranges {
		got, err := d.Get(r)
		if err != nil {
			t.Fatalf("Get chunk %d failed: %v", i, err)
		}
		for j := range got {
			if got[j] != byte(j) {
				t.Fatalf("chunk %d byte %d: expected %d, got %d", i, j, byte(j), got[j])
			}
		}
	}
}

func TestDataStreamOutOfRange(t *testing.T) {
	d := NewDataStream()
	d.Append([]byte{1, 2, 3})
	if _, err := d.Get(Range{Start: 0, End: 4}); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := d.Byte(3); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestRecordStream(t *testing.T) {
	s := NewRecordStream[uint64](U64Codec{})
	for i := uint64(0); i < 1000; i++ {
		if idx := s.Append(i * 7); idx != i {
			t.Fatalf("expected index %d, got %d", i, idx)
		}
	}
	if s.Len() != 1000 {
		t.Fatalf("expected 1000 records, got %d", s.Len())
	}
	for i := uint64(0); i < 1000; i++ {
		v, err := s.At(i)
		if err != nil {
			t.Fatalf("At(%d) failed: %v", i, err)
		}
		if v != i*7 {
			t.Fatalf("At(%d): expected %d, got %d", i, i*7, v)
		}
	}
	if _, err := s.At(1000); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestRecordStreamRange(t *testing.T) {
	s := NewRecordStream[uint64](U64Codec{})
	for i := uint64(0); i < 100; i++ {
		s.Append(i)
	}
	var got []uint64
	err := s.Range(10, 20, func(idx uint64, rec uint64) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 10 || got[0] != 10 || got[9] != 19 {
		t.Errorf("unexpected range contents: %v", got)
	}
}

func TestIndexStream(t *testing.T) {
	s := NewIndexStream()
	values := make([]uint64, 0, 500)
	v := uint64(0)
	for i := 0; i < 500; i++ {
		v += uint64(i % 37)
		values = append(values, v)
		if idx := s.Push(v); idx != uint64(i) {
			t.Fatalf("expected index %d, got %d", i, idx)
		}
	}
	for i, want := range values {
		got, err := s.At(uint64(i))
		if err != nil {
			t.Fatalf("At(%d) failed: %v", i, err)
		}
		if got != want {
			t.Fatalf("At(%d): expected %d, got %d", i, want, got)
		}
	}
	if _, err := s.At(500); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestIndexStreamTargetRange(t *testing.T) {
	s := NewIndexStream()
	s.Push(0)
	s.Push(10)
	s.Push(25)

	r, err := s.TargetRange(0, 30)
	if err != nil {
		t.Fatalf("TargetRange failed: %v", err)
	}
	if r.Start != 0 || r.End != 10 {
		t.Errorf("expected [0,10), got [%d,%d)", r.Start, r.End)
	}
	r, err = s.TargetRange(2, 30)
	if err != nil {
		t.Fatalf("TargetRange failed: %v", err)
	}
	if r.Start != 25 || r.End != 30 {
		t.Errorf("expected [25,30), got [%d,%d)", r.Start, r.End)
	}
}

func TestPackedStreamWidths(t *testing.T) {
	s := NewPackedStream()
	// First group fits in one byte, later groups force wider encodings.
	values := make([]uint64, 0, 300)
	for i := 0; i < 300; i++ {
		var v uint64
		switch {
		case i < 100:
			v = uint64(i % 128)
		case i < 200:
			v = uint64(i * 300)
		default:
			v = uint64(i) * 1 << 40
		}
		values = append(values, v)
		s.Push(v)
	}
	for i, want := range values {
		got, err := s.At(uint64(i))
		if err != nil {
			t.Fatalf("At(%d) failed: %v", i, err)
		}
		if got != want {
			t.Fatalf("At(%d): expected %d, got %d", i, want, got)
		}
	}
}

func TestPackedStreamTailVisible(t *testing.T) {
	s := NewPackedStream()
	// Fewer values than one group: everything is still in the tail.
	for i := uint64(0); i < 10; i++ {
		s.Push(i + 100)
	}
	for i := uint64(0); i < 10; i++ {
		got, err := s.At(i)
		if err != nil {
			t.Fatalf("At(%d) failed: %v", i, err)
		}
		if got != i+100 {
			t.Fatalf("At(%d): expected %d, got %d", i, i+100, got)
		}
	}
	if _, err := s.At(10); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestConcurrentReadersSeePublishedLength(t *testing.T) {
	d := NewDataStream()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			d.Append([]byte{byte(i), byte(i >> 8), 0xAA, 0xBB})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n := d.Len()
				if n >= 4 {
					// Any fully published record must read back intact.
					rec := (n/4 - 1) * 4
					buf := make([]byte, 4)
					if err := d.ReadAt(buf, rec); err != nil {
						t.Errorf("ReadAt(%d) failed below published length: %v", rec, err)
						return
					}
					if buf[2] != 0xAA || buf[3] != 0xBB {
						t.Errorf("torn record at %d: % x", rec, buf)
						return
					}
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}
