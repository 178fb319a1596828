package stream

// Codec marshals a record to and from its fixed-width byte encoding.
type Codec[T any] interface {
	Size() int
	Marshal(rec T, dst []byte)
	Unmarshal(src []byte) T
}

// RecordStream stores a sequence of fixed-width records with O(1) random
// access. It shares the single-writer/multi-reader contract of the
// underlying DataStream.
type RecordStream[T any] struct {
	data    *DataStream
	codec   Codec[T]
	size    uint64
	scratch []byte
}

// NewRecordStream creates an empty record stream using the given codec.
func NewRecordStream[T any](codec Codec[T]) *RecordStream[T] {
	return &RecordStream[T]{
		data:    NewDataStream(),
		codec:   codec,
		size:    uint64(codec.Size()),
		scratch: make([]byte, codec.Size()),
	}
}

// Len returns the published number of records.
func (s *RecordStream[T]) Len() uint64 {
	return s.data.Len() / s.size
}

// Append adds a record and returns its index. Writer only.
func (s *RecordStream[T]) Append(rec T) uint64 {
	idx := s.Len()
	s.codec.Marshal(rec, s.scratch)
	s.data.Append(s.scratch)
	return idx
}

// At returns the record at the given index.
func (s *RecordStream[T]) At(idx uint64) (T, error) {
	var zero T
	if idx >= s.Len() {
		return zero, ErrOutOfRange
	}
	buf := make([]byte, s.size)
	if err := s.data.ReadAt(buf, idx*s.size); err != nil {
		return zero, err
	}
	return s.codec.Unmarshal(buf), nil
}

// Range calls fn for each record index in [lo, hi). Iteration stops on
// the first error from fn.
func (s *RecordStream[T]) Range(lo, hi uint64, fn func(idx uint64, rec T) error) error {
	if hi > s.Len() || lo > hi {
		return ErrOutOfRange
	}
	buf := make([]byte, s.size)
	for i := lo; i < hi; i++ {
		if err := s.data.ReadAt(buf, i*s.size); err != nil {
			return err
		}
		if err := fn(i, s.codec.Unmarshal(buf)); err != nil {
			return err
		}
	}
	return nil
}

// U64Codec encodes uint64 records little-endian.
type U64Codec struct{}

func (U64Codec) Size() int { return 8 }

func (U64Codec) Marshal(v uint64, dst []byte) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func (U64Codec) Unmarshal(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}
