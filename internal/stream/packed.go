package stream

import "sync/atomic"

// packGroup is the number of values encoded together. A completed group
// is stored at the narrowest byte width that fits its largest value;
// the group in progress lives in an immutable tail snapshot that is
// swapped on every append, so readers never observe a torn group.
const packGroup = 64

type packTail struct {
	values [packGroup]uint64
	count  int
}

// PackedStream stores small unsigned integers compactly. Each completed
// group of values is encoded at a per-group byte width (1, 2, 4 or 8),
// located through an internal offset index; widening therefore never
// requires rewriting published data.
type PackedStream struct {
	length  atomic.Uint64
	tail    atomic.Pointer[packTail]
	data    *DataStream
	offsets *IndexStream

	wlen uint64
}

// NewPackedStream creates an empty packed stream.
func NewPackedStream() *PackedStream {
	s := &PackedStream{
		data:    NewDataStream(),
		offsets: NewIndexStream(),
	}
	s.tail.Store(&packTail{})
	return s
}

// Len returns the published number of values.
func (s *PackedStream) Len() uint64 {
	return s.length.Load()
}

// Push appends a value and returns its index. Writer only.
func (s *PackedStream) Push(v uint64) uint64 {
	idx := s.wlen
	old := s.tail.Load()
	next := *old
	next.values[next.count] = v
	next.count++
	if next.count == packGroup {
		s.flush(&next)
		next = packTail{}
	}
	s.tail.Store(&next)
	s.wlen++
	s.length.Store(s.wlen)
	return idx
}

func (s *PackedStream) flush(t *packTail) {
	width := 1
	for _, v := range t.values {
		for width < 8 && v >= uint64(1)<<(8*width) {
			width *= 2
		}
	}
	buf := make([]byte, 1+packGroup*width)
	buf[0] = byte(width)
	for i, v := range t.values {
		for b := 0; b < width; b++ {
			buf[1+i*width+b] = byte(v >> (8 * b))
		}
	}
	// Group bytes land before the offset is published, so a reader that
	// resolves an offset always finds the data behind it.
	off := s.data.Len()
	s.data.Append(buf)
	s.offsets.Push(off)
}

// At returns the value at the given index.
func (s *PackedStream) At(idx uint64) (uint64, error) {
	if idx >= s.Len() {
		return 0, ErrOutOfRange
	}
	group := idx / packGroup
	if group >= s.offsets.Len() {
		// The value is still in the tail group.
		t := s.tail.Load()
		pos := int(idx % packGroup)
		if pos >= t.count {
			return 0, ErrOutOfRange
		}
		return t.values[pos], nil
	}
	offset, err := s.offsets.At(group)
	if err != nil {
		return 0, err
	}
	wb, err := s.data.Byte(offset)
	if err != nil {
		return 0, err
	}
	width := uint64(wb)
	buf := make([]byte, width)
	if err := s.data.ReadAt(buf, offset+1+(idx%packGroup)*width); err != nil {
		return 0, err
	}
	var v uint64
	for b, by := range buf {
		v |= uint64(by) << (8 * b)
	}
	return v, nil
}
