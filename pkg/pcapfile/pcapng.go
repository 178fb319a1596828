package pcapfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// pcapng block types.
const (
	blockSectionHeader  = 0x0A0D0D0A
	blockInterfaceDesc  = 0x00000001
	blockEnhancedPacket = 0x00000006
	blockCustomCopyable = 0x00000BAD

	byteOrderMagic = 0x1A2B3C4D

	// vendorPEN scopes our custom event block. The subtype versions
	// the body layout.
	vendorPEN    = 0x0000E7A1
	eventSubtype = 0x00000001
)

// NgWriter writes pcapng files: a section header, one USB 2.0
// interface with nanosecond resolution, enhanced packet blocks, and
// custom event blocks.
type NgWriter struct {
	w      io.Writer
	closer io.Closer
}

// NewNgWriter writes the section header and interface description and
// returns the writer.
func NewNgWriter(w io.Writer) (*NgWriter, error) {
	ng := &NgWriter{w: w}
	if err := ng.writeSectionHeader(); err != nil {
		return nil, err
	}
	if err := ng.writeInterface(); err != nil {
		return nil, err
	}
	return ng, nil
}

func (w *NgWriter) writeBlock(blockType uint32, body []byte) error {
	// Body is padded to 32 bits; total length framing appears at both
	// ends of the block.
	padded := (len(body) + 3) &^ 3
	total := uint32(12 + padded)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], blockType)
	binary.LittleEndian.PutUint32(buf[4:8], total)
	copy(buf[8:], body)
	binary.LittleEndian.PutUint32(buf[total-4:], total)
	_, err := w.w.Write(buf)
	return err
}

func (w *NgWriter) writeSectionHeader() error {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint32(body[0:4], byteOrderMagic)
	binary.LittleEndian.PutUint16(body[4:6], 1) // major
	binary.LittleEndian.PutUint16(body[6:8], 0) // minor
	// Section length unknown.
	binary.LittleEndian.PutUint64(body[8:16], 0xFFFFFFFFFFFFFFFF)
	return w.writeBlock(blockSectionHeader, body)
}

func (w *NgWriter) writeInterface() error {
	// Link type, reserved, snaplen, then the if_tsresol option
	// declaring nanosecond timestamps.
	body := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint16(body[0:2], uint16(LinkTypeUSB20))
	binary.LittleEndian.PutUint32(body[4:8], 65535)
	binary.LittleEndian.PutUint16(body[8:10], 9) // if_tsresol
	binary.LittleEndian.PutUint16(body[10:12], 1)
	body[12] = 9 // 10^-9
	// opt_endofopt
	binary.LittleEndian.PutUint16(body[16:18], 0)
	binary.LittleEndian.PutUint16(body[18:20], 0)
	return w.writeBlock(blockInterfaceDesc, body)
}

// AddPacket appends an enhanced packet block.
func (w *NgWriter) AddPacket(tsNs uint64, data []byte) error {
	body := make([]byte, 20+len(data))
	binary.LittleEndian.PutUint32(body[0:4], 0) // interface id
	binary.LittleEndian.PutUint32(body[4:8], uint32(tsNs>>32))
	binary.LittleEndian.PutUint32(body[8:12], uint32(tsNs))
	binary.LittleEndian.PutUint32(body[12:16], uint32(len(data)))
	binary.LittleEndian.PutUint32(body[16:20], uint32(len(data)))
	copy(body[20:], data)
	return w.writeBlock(blockEnhancedPacket, body)
}

// AddEvent appends a custom block carrying a non-packet capture event.
func (w *NgWriter) AddEvent(ev Event) error {
	body := make([]byte, 24+len(ev.Payload))
	binary.LittleEndian.PutUint32(body[0:4], vendorPEN)
	binary.LittleEndian.PutUint32(body[4:8], eventSubtype)
	binary.LittleEndian.PutUint64(body[8:16], ev.TsNs)
	binary.LittleEndian.PutUint32(body[16:20], uint32(ev.Code))
	binary.LittleEndian.PutUint32(body[20:24], uint32(len(ev.Payload)))
	copy(body[24:], ev.Payload)
	return w.writeBlock(blockCustomCopyable, body)
}

// Close closes the underlying file, if any.
func (w *NgWriter) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// NgReader reads pcapng files, yielding packets from enhanced packet
// blocks and events from our custom block. Every other block type is
// skipped by its declared length. Both byte orders are accepted.
type NgReader struct {
	r      io.Reader
	order  binary.ByteOrder
	closer io.Closer

	// tsMult converts interface timestamp units to nanoseconds.
	tsMult  uint64
	started bool
	start   uint64
}

// NewNgReader consumes the section header and prepares to iterate
// blocks. The section header's block type is a byte-order palindrome,
// so the byte-order magic inside it fixes the endianness before any
// length field needs decoding.
func NewNgReader(r io.Reader) (*NgReader, error) {
	ng := &NgReader{r: r, tsMult: 1000}
	var head [12]byte
	if _, err := io.ReadFull(ng.r, head[:]); err != nil {
		return nil, fmt.Errorf("reading section header: %w", err)
	}
	if binary.LittleEndian.Uint32(head[0:4]) != blockSectionHeader {
		return nil, fmt.Errorf("not a pcapng file")
	}
	switch {
	case binary.LittleEndian.Uint32(head[8:12]) == byteOrderMagic:
		ng.order = binary.LittleEndian
	case binary.BigEndian.Uint32(head[8:12]) == byteOrderMagic:
		ng.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("bad pcapng byte-order magic")
	}
	total := ng.order.Uint32(head[4:8])
	if total < 16 || total%4 != 0 {
		return nil, fmt.Errorf("bad pcapng block length %d", total)
	}
	rest := make([]byte, total-12)
	if _, err := io.ReadFull(ng.r, rest); err != nil {
		return nil, fmt.Errorf("reading section header: %w", err)
	}
	return ng, nil
}

func (ng *NgReader) readBlock() (uint32, []byte, error) {
	var head [8]byte
	if _, err := io.ReadFull(ng.r, head[:]); err != nil {
		return 0, nil, err
	}
	blockType := ng.order.Uint32(head[0:4])
	total := ng.order.Uint32(head[4:8])
	if total < 12 || total%4 != 0 {
		return 0, nil, fmt.Errorf("bad pcapng block length %d", total)
	}
	rest := make([]byte, total-8)
	if _, err := io.ReadFull(ng.r, rest); err != nil {
		return 0, nil, err
	}
	return blockType, rest[:len(rest)-4], nil
}

// Next returns the next packet or event record.
func (ng *NgReader) Next() (Record, error) {
	for {
		blockType, body, err := ng.readBlock()
		if err != nil {
			return Record{}, err
		}
		switch blockType {
		case blockInterfaceDesc:
			ng.parseInterface(body)
		case blockEnhancedPacket:
			if len(body) < 20 {
				continue
			}
			ts := uint64(ng.order.Uint32(body[4:8]))<<32 | uint64(ng.order.Uint32(body[8:12]))
			captured := ng.order.Uint32(body[12:16])
			if uint32(len(body)-20) < captured {
				continue
			}
			data := append([]byte(nil), body[20:20+captured]...)
			return Record{Packet: &Packet{TsNs: ng.rebase(ts * ng.tsMult), Data: data}}, nil
		case blockCustomCopyable:
			if len(body) < 24 || ng.order.Uint32(body[0:4]) != vendorPEN ||
				ng.order.Uint32(body[4:8]) != eventSubtype {
				continue
			}
			ts := ng.order.Uint64(body[8:16])
			code := EventCode(ng.order.Uint32(body[16:20]))
			plen := ng.order.Uint32(body[20:24])
			if uint32(len(body)-24) < plen {
				continue
			}
			payload := append([]byte(nil), body[24:24+plen]...)
			return Record{Event: &Event{TsNs: ng.rebase(ts), Code: code, Payload: payload}}, nil
		default:
			// Unknown block: skipped by its declared length.
		}
	}
}

// parseInterface extracts the timestamp resolution option. The pcapng
// default is microseconds.
func (ng *NgReader) parseInterface(body []byte) {
	ng.tsMult = 1000
	if len(body) < 8 {
		return
	}
	opts := body[8:]
	for len(opts) >= 4 {
		code := ng.order.Uint16(opts[0:2])
		length := int(ng.order.Uint16(opts[2:4]))
		padded := (length + 3) &^ 3
		if len(opts) < 4+length {
			return
		}
		if code == 0 {
			return
		}
		if code == 9 && length >= 1 {
			res := opts[4]
			if res&0x80 == 0 && res <= 9 {
				mult := uint64(1)
				for i := res; i < 9; i++ {
					mult *= 10
				}
				ng.tsMult = mult
			}
		}
		opts = opts[4+padded:]
	}
}

func (ng *NgReader) rebase(ts uint64) uint64 {
	if !ng.started {
		ng.started = true
		ng.start = ts
	}
	return ts - ng.start
}

// Close closes the underlying file, if any.
func (ng *NgReader) Close() error {
	if ng.closer != nil {
		return ng.closer.Close()
	}
	return nil
}
