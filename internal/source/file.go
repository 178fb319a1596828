package source

import (
	"errors"
	"io"

	"usblens/internal/usb"
	"usblens/pkg/pcapfile"
)

// FileSource replays a pcap or pcapng capture file.
type FileSource struct {
	cancelFlag
	reader pcapfile.Reader
	done   bool
}

// OpenFile opens a capture file as a source, detecting the format.
func OpenFile(path string) (*FileSource, error) {
	r, err := pcapfile.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{reader: r}, nil
}

// NewFileSource wraps an already open capture reader.
func NewFileSource(r pcapfile.Reader) *FileSource {
	return &FileSource{reader: r}
}

// Next returns the next capture event from the file. Capture start and
// stop markers carry no decoder-visible state and are skipped.
func (s *FileSource) Next() CaptureEvent {
	for {
		if s.done {
			return end(EndComplete, nil)
		}
		if s.cancelled() {
			s.finish()
			return end(EndCancelled, nil)
		}
		rec, err := s.reader.Next()
		if err != nil {
			s.finish()
			if errors.Is(err, io.EOF) {
				return end(EndComplete, nil)
			}
			return end(EndSourceFailure, err)
		}
		switch {
		case rec.Packet != nil:
			return CaptureEvent{Kind: EventPacket, TsNs: rec.Packet.TsNs, Data: rec.Packet.Data}
		case rec.Event != nil:
			if ev, ok := fileEvent(rec.Event); ok {
				return ev
			}
		}
	}
}

func (s *FileSource) finish() {
	if !s.done {
		s.done = true
		s.reader.Close()
	}
}

// fileEvent maps a pcapng custom event to a capture event.
func fileEvent(ev *pcapfile.Event) (CaptureEvent, bool) {
	switch ev.Code {
	case pcapfile.EventSpeedChange:
		speed := usb.SpeedAuto
		if len(ev.Payload) > 0 {
			speed = usb.Speed(ev.Payload[0])
		}
		return CaptureEvent{Kind: EventSpeedChange, TsNs: ev.TsNs, Speed: speed}, true
	case pcapfile.EventVbus:
		on := len(ev.Payload) > 0 && ev.Payload[0] != 0
		return CaptureEvent{Kind: EventVbus, TsNs: ev.TsNs, VbusOn: on}, true
	}
	return CaptureEvent{}, false
}
