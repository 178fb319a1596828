// Package stream provides the append-only storage primitives backing a
// capture: a byte arena, fixed-width record streams, delta-compressed
// index streams, and width-packed integer streams. Every stream has a
// single writer and any number of concurrent readers; appended data is
// published to readers through an atomic length counter, so a reader
// that observes length N sees every byte below N fully written.
package stream

import (
	"errors"
	"sync/atomic"
)

// ErrOutOfRange is returned when a read refers past the published length.
var ErrOutOfRange = errors.New("stream: index out of range")

const (
	blockShift = 16
	blockSize  = 1 << blockShift // 64 KiB
	blockMask  = blockSize - 1
)

type block [blockSize]byte

// Range addresses a byte span within a DataStream.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// DataStream is an append-only byte arena split into fixed-size blocks.
// The block list is replaced wholesale when it grows, so readers always
// hold a consistent view.
type DataStream struct {
	length atomic.Uint64
	blocks atomic.Pointer[[]*block]

	// Writer-side state, untouched by readers.
	wlen uint64
}

// NewDataStream creates an empty arena.
func NewDataStream() *DataStream {
	d := &DataStream{}
	blocks := make([]*block, 0, 16)
	d.blocks.Store(&blocks)
	return d
}

// Len returns the published length in bytes.
func (d *DataStream) Len() uint64 {
	return d.length.Load()
}

// Append writes bytes at the end of the arena and returns their range.
// Only the single writer may call Append.
func (d *DataStream) Append(data []byte) Range {
	start := d.wlen
	for len(data) > 0 {
		blk, off := d.writerBlock()
		n := copy(blk[off:], data)
		data = data[n:]
		d.wlen += uint64(n)
	}
	d.length.Store(d.wlen)
	return Range{Start: start, End: d.wlen}
}

// writerBlock returns the block and offset covering the current write
// position, growing the block list if needed.
func (d *DataStream) writerBlock() (*block, int) {
	idx := int(d.wlen >> blockShift)
	off := int(d.wlen & blockMask)
	blocks := *d.blocks.Load()
	if idx >= len(blocks) {
		grown := make([]*block, len(blocks)+1)
		copy(grown, blocks)
		grown[len(blocks)] = new(block)
		d.blocks.Store(&grown)
		blocks = grown
	}
	return blocks[idx], off
}

// Get copies the bytes in the given range. It fails if the range extends
// past the published length.
func (d *DataStream) Get(r Range) ([]byte, error) {
	if r.End < r.Start || r.End > d.Len() {
		return nil, ErrOutOfRange
	}
	out := make([]byte, r.Len())
	if err := d.ReadAt(out, r.Start); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadAt fills buf with bytes starting at offset.
func (d *DataStream) ReadAt(buf []byte, offset uint64) error {
	if offset+uint64(len(buf)) > d.Len() {
		return ErrOutOfRange
	}
	blocks := *d.blocks.Load()
	for len(buf) > 0 {
		blk := blocks[offset>>blockShift]
		off := int(offset & blockMask)
		n := copy(buf, blk[off:])
		buf = buf[n:]
		offset += uint64(n)
	}
	return nil
}

// Byte returns the single byte at the given offset.
func (d *DataStream) Byte(offset uint64) (byte, error) {
	if offset >= d.Len() {
		return 0, ErrOutOfRange
	}
	blocks := *d.blocks.Load()
	return blocks[offset>>blockShift][offset&blockMask], nil
}
