package source

import (
	"bytes"
	"encoding/gob"
	"log"

	"github.com/nats-io/nats.go"

	"usblens/internal/usb"
)

// wireEvent is the gob frame published for every capture event.
type wireEvent struct {
	Kind   EventKind
	TsNs   uint64
	Data   []byte
	Speed  uint8
	VbusOn bool
	Reason EndReason
}

// Publisher forwards capture events to a NATS subject so a remote
// engine can decode them.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to the NATS server.
func NewPublisher(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Publisher{nc: nc, subject: subject}, nil
}

// Publish serializes one capture event and publishes it.
func (p *Publisher) Publish(ev CaptureEvent) error {
	frame := wireEvent{
		Kind:   ev.Kind,
		TsNs:   ev.TsNs,
		Data:   ev.Data,
		Speed:  uint8(ev.Speed),
		VbusOn: ev.VbusOn,
		Reason: ev.Reason,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&frame); err != nil {
		return err
	}
	return p.nc.Publish(p.subject, buf.Bytes())
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}

// NATSSource subscribes to a NATS subject carrying capture events
// published by a remote probe.
type NATSSource struct {
	cancelFlag
	nc     *nats.Conn
	sub    *nats.Subscription
	events chan CaptureEvent
}

// NewNATSSource connects and subscribes. The channel size bounds how
// far the probe may run ahead of the decoder.
func NewNATSSource(url, subject string, buffer int) (*NATSSource, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	s := &NATSSource{
		nc:     nc,
		events: make(chan CaptureEvent, buffer),
	}
	sub, err := nc.Subscribe(subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for capture events...", subject)
	return s, nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	var frame wireEvent
	if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&frame); err != nil {
		log.Printf("Error decoding capture event: %v", err)
		return
	}
	ev := CaptureEvent{
		Kind:   frame.Kind,
		TsNs:   frame.TsNs,
		Data:   frame.Data,
		VbusOn: frame.VbusOn,
		Reason: frame.Reason,
	}
	ev.Speed = usb.Speed(frame.Speed)
	select {
	case s.events <- ev:
	default:
		// The decoder fell behind the bounded buffer; drop with a note
		// rather than blocking the NATS callback.
		log.Println("Capture event buffer full, dropping event")
	}
}

// Next blocks for the next event from the subject.
func (s *NATSSource) Next() CaptureEvent {
	if s.cancelled() {
		s.close()
		return end(EndCancelled, nil)
	}
	if s.nc == nil {
		// The stream already ended and the connection is closed.
		return end(EndComplete, nil)
	}
	ev, ok := <-s.events
	if !ok {
		return end(EndComplete, nil)
	}
	if ev.Kind == EventEnd {
		s.close()
	}
	return ev
}

// Cancel unblocks a pending Next.
func (s *NATSSource) Cancel() {
	s.cancelFlag.Cancel()
	select {
	case s.events <- end(EndCancelled, nil):
	default:
	}
}

func (s *NATSSource) close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
		log.Println("NATS connection closed.")
	}
}
