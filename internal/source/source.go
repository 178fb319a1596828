// Package source defines the capture source contract: a pull-based
// stream of capture events with cooperative cancellation, implemented
// over capture files, live pcap handles, NATS subscriptions, and
// in-memory replays.
package source

import (
	"sync/atomic"

	"usblens/internal/usb"
)

// EventKind discriminates capture events.
type EventKind uint8

const (
	EventPacket EventKind = iota
	EventSpeedChange
	EventVbus
	EventEnd
)

// EndReason explains why a source ended.
type EndReason uint8

const (
	EndComplete EndReason = iota
	EndCancelled
	EndSourceFailure
)

func (r EndReason) String() string {
	switch r {
	case EndComplete:
		return "complete"
	case EndCancelled:
		return "cancelled"
	}
	return "source failure"
}

// CaptureEvent is one unit pulled from a capture source.
type CaptureEvent struct {
	Kind EventKind

	// Packet fields.
	TsNs uint64
	Data []byte

	// SpeedChange field.
	Speed usb.Speed

	// Vbus field.
	VbusOn bool

	// End fields.
	Reason EndReason
	Err    error
}

// Source yields capture events one per call. Next blocks cooperatively
// until an event is available and keeps returning the End event once
// the stream is over. Cancel causes the next pull to return
// End{Cancelled}; it is safe to call from any goroutine.
type Source interface {
	Next() CaptureEvent
	Cancel()
}

// cancelFlag is a reusable cancellation token.
type cancelFlag struct {
	flag atomic.Bool
}

func (c *cancelFlag) Cancel() { c.flag.Store(true) }

func (c *cancelFlag) cancelled() bool { return c.flag.Load() }

// end builds a terminal event.
func end(reason EndReason, err error) CaptureEvent {
	return CaptureEvent{Kind: EventEnd, Reason: reason, Err: err}
}
