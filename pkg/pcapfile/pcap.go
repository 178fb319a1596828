// Package pcapfile reads and writes USB 2.0 captures as pcap
// (LINKTYPE_USB_2_0) and pcapng files. The pcapng form additionally
// carries non-packet capture events in a custom block.
package pcapfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeUSB20 is LINKTYPE_USB_2_0: raw USB 2.0 packets starting with
// the PID byte.
const LinkTypeUSB20 = layers.LinkType(288)

// Packet is one captured packet with its timestamp in nanoseconds from
// the start of the capture.
type Packet struct {
	TsNs uint64
	Data []byte
}

// EventCode identifies a non-packet capture event.
type EventCode uint32

const (
	EventSpeedChange  EventCode = 1
	EventVbus         EventCode = 2
	EventCaptureStart EventCode = 3
	EventCaptureStop  EventCode = 4
)

// Event is a non-packet capture event. Only pcapng files can carry
// events; saving to pcap drops them.
type Event struct {
	TsNs    uint64
	Code    EventCode
	Payload []byte
}

// Record is one unit read from a capture file: exactly one of Packet
// or Event is set.
type Record struct {
	Packet *Packet
	Event  *Event
}

// Reader is a capture file reader. Next returns io.EOF at the end of
// the file.
type Reader interface {
	Next() (Record, error)
	Close() error
}

// Writer is a capture file writer.
type Writer interface {
	AddPacket(tsNs uint64, data []byte) error
	AddEvent(ev Event) error
	Close() error
}

// Format selects an on-disk capture format.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapng
)

// Extension returns the conventional file extension for the format.
func (f Format) Extension() string {
	if f == FormatPcapng {
		return ".pcapng"
	}
	return ".pcap"
}

// EnsureExtension appends the format's extension unless the path
// already carries it.
func EnsureExtension(path string, f Format) string {
	if strings.HasSuffix(strings.ToLower(path), f.Extension()) {
		return path
	}
	return path + f.Extension()
}

// Open opens a capture file, detecting pcap or pcapng by magic.
func Open(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading file magic: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if magic == [4]byte{0x0A, 0x0D, 0x0D, 0x0A} {
		r, err := NewNgReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, err
		}
		r.closer = f
		return r, nil
	}
	r, err := NewPcapReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Create creates a capture file of the chosen format, appending the
// proper extension. It returns the writer and the final path.
func Create(path string, format Format) (Writer, string, error) {
	path = EnsureExtension(path, format)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	var w Writer
	switch format {
	case FormatPcapng:
		ng, err := NewNgWriter(f)
		if err != nil {
			f.Close()
			return nil, "", err
		}
		ng.closer = f
		w = ng
	default:
		pw, err := NewPcapWriter(f)
		if err != nil {
			f.Close()
			return nil, "", err
		}
		pw.closer = f
		w = pw
	}
	return w, path, nil
}

// PcapReader reads classic pcap files. Timestamps are rebased so the
// first packet starts at zero.
type PcapReader struct {
	r       *pcapgo.Reader
	started bool
	start   uint64
	closer  io.Closer
}

// NewPcapReader wraps an io.Reader producing classic pcap data. The
// file's link type must be LINKTYPE_USB_2_0.
func NewPcapReader(r io.Reader) (*PcapReader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading pcap header: %w", err)
	}
	if pr.LinkType() != LinkTypeUSB20 {
		return nil, fmt.Errorf("unsupported link type %d, want %d (USB 2.0)",
			pr.LinkType(), LinkTypeUSB20)
	}
	return &PcapReader{r: pr}, nil
}

// Next returns the next packet record.
func (r *PcapReader) Next() (Record, error) {
	data, ci, err := r.r.ReadPacketData()
	if err != nil {
		return Record{}, err
	}
	raw := uint64(ci.Timestamp.UnixNano())
	if !r.started {
		r.started = true
		r.start = raw
	}
	return Record{Packet: &Packet{TsNs: raw - r.start, Data: data}}, nil
}

// Close closes the underlying file, if any.
func (r *PcapReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// PcapWriter writes classic pcap files with nanosecond resolution.
type PcapWriter struct {
	w      *pcapgo.Writer
	buf    *bufio.Writer
	closer io.Closer
}

// NewPcapWriter writes a nanosecond-resolution pcap header and returns
// the writer.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriterNanos(buf)
	if err := pw.WriteFileHeader(65535, LinkTypeUSB20); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &PcapWriter{w: pw, buf: buf}, nil
}

// AddPacket appends one packet record.
func (w *PcapWriter) AddPacket(tsNs uint64, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, int64(tsNs)).UTC(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return w.w.WritePacket(ci, data)
}

// AddEvent drops the event: classic pcap has no record type for
// non-packet events.
func (w *PcapWriter) AddEvent(Event) error { return nil }

// Close flushes and closes the output.
func (w *PcapWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// DefaultSavePath derives a save path next to an input file.
func DefaultSavePath(input string, format Format) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + "-saved" + format.Extension()
}
