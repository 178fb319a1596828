package source

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/pcap"

	"usblens/pkg/pcapfile"
)

const (
	liveSnapLen = 2048
	liveTimeout = 100 * time.Millisecond
)

// LiveSource captures from a libpcap handle exposing raw USB 2.0
// packets, such as a usbmon-style interface or an analyzer bridge.
type LiveSource struct {
	cancelFlag
	handle  *pcap.Handle
	started bool
	start   uint64
}

// OpenLive opens a live capture on the named interface. The handle's
// link type must be LINKTYPE_USB_2_0.
func OpenLive(iface string) (*LiveSource, error) {
	handle, err := pcap.OpenLive(iface, liveSnapLen, true, liveTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening live capture on %s: %w", iface, err)
	}
	if int(handle.LinkType()) != int(pcapfile.LinkTypeUSB20) {
		handle.Close()
		return nil, fmt.Errorf("interface %s has link type %d, want %d (USB 2.0)",
			iface, handle.LinkType(), pcapfile.LinkTypeUSB20)
	}
	return &LiveSource{handle: handle}, nil
}

// Next returns the next captured packet. Read timeouts are retried so
// cancellation is observed promptly.
func (s *LiveSource) Next() CaptureEvent {
	for {
		if s.handle == nil {
			return end(EndComplete, nil)
		}
		if s.cancelled() {
			s.handle.Close()
			s.handle = nil
			return end(EndCancelled, nil)
		}
		data, ci, err := s.handle.ReadPacketData()
		switch {
		case err == nil:
			raw := uint64(ci.Timestamp.UnixNano())
			if !s.started {
				s.started = true
				s.start = raw
			}
			return CaptureEvent{Kind: EventPacket, TsNs: raw - s.start, Data: data}
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			s.handle.Close()
			s.handle = nil
			return end(EndComplete, nil)
		default:
			s.handle.Close()
			s.handle = nil
			return end(EndSourceFailure, err)
		}
	}
}
