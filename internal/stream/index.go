package stream

import (
	"encoding/binary"
	"sync/atomic"
)

// checkpointInterval is the number of entries between full-value
// checkpoints. A lookup decodes at most one checkpoint segment.
const checkpointInterval = 64

type checkpoint struct {
	value  uint64
	offset uint64
}

type checkpointCodec struct{}

func (checkpointCodec) Size() int { return 16 }

func (checkpointCodec) Marshal(c checkpoint, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], c.value)
	binary.LittleEndian.PutUint64(dst[8:16], c.offset)
}

func (checkpointCodec) Unmarshal(src []byte) checkpoint {
	return checkpoint{
		value:  binary.LittleEndian.Uint64(src[0:8]),
		offset: binary.LittleEndian.Uint64(src[8:16]),
	}
}

// IndexStream stores a monotonically non-decreasing sequence of u64
// offsets. Values are stored as varint deltas from a full checkpoint
// written every checkpointInterval entries, so any single lookup costs
// at most one segment of byte reads.
type IndexStream struct {
	count       atomic.Uint64
	deltas      *DataStream
	checkpoints *RecordStream[checkpoint]

	// Writer-side state.
	last    uint64
	wcount  uint64
	scratch [binary.MaxVarintLen64]byte
}

// NewIndexStream creates an empty index stream.
func NewIndexStream() *IndexStream {
	return &IndexStream{
		deltas:      NewDataStream(),
		checkpoints: NewRecordStream[checkpoint](checkpointCodec{}),
	}
}

// Len returns the published number of entries.
func (s *IndexStream) Len() uint64 {
	return s.count.Load()
}

// Push appends a value and returns its index. The value must not be
// smaller than the previously pushed value. Writer only.
func (s *IndexStream) Push(v uint64) uint64 {
	idx := s.wcount
	if idx%checkpointInterval == 0 {
		s.checkpoints.Append(checkpoint{value: v, offset: s.deltas.Len()})
	} else {
		n := binary.PutUvarint(s.scratch[:], v-s.last)
		s.deltas.Append(s.scratch[:n])
	}
	s.last = v
	s.wcount++
	s.count.Store(s.wcount)
	return idx
}

// At returns the value at the given index.
func (s *IndexStream) At(idx uint64) (uint64, error) {
	if idx >= s.Len() {
		return 0, ErrOutOfRange
	}
	cp, err := s.checkpoints.At(idx / checkpointInterval)
	if err != nil {
		return 0, err
	}
	value := cp.value
	offset := cp.offset
	for i := uint64(0); i < idx%checkpointInterval; i++ {
		delta, n, err := s.readUvarint(offset)
		if err != nil {
			return 0, err
		}
		value += delta
		offset += n
	}
	return value, nil
}

// TargetRange returns the span [At(idx), At(idx+1)) locating the blob
// for entry idx within a companion arena. For the final entry the end
// is the given total arena length.
func (s *IndexStream) TargetRange(idx, total uint64) (Range, error) {
	start, err := s.At(idx)
	if err != nil {
		return Range{}, err
	}
	if idx+1 < s.Len() {
		end, err := s.At(idx + 1)
		if err != nil {
			return Range{}, err
		}
		return Range{Start: start, End: end}, nil
	}
	return Range{Start: start, End: total}, nil
}

func (s *IndexStream) readUvarint(offset uint64) (uint64, uint64, error) {
	var v uint64
	var shift uint
	for n := uint64(0); ; n++ {
		b, err := s.deltas.Byte(offset + n)
		if err != nil {
			return 0, 0, err
		}
		if b < 0x80 {
			return v | uint64(b)<<shift, n + 1, nil
		}
		v |= uint64(b&0x7F) << shift
		shift += 7
	}
}
