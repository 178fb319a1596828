package source

// ReplaySource yields a fixed sequence of events from memory. Tests
// use it in place of a device backend.
type ReplaySource struct {
	cancelFlag
	events []CaptureEvent
	pos    int
}

// NewReplay creates a source that replays the given events in order.
func NewReplay(events []CaptureEvent) *ReplaySource {
	return &ReplaySource{events: events}
}

// NewPacketReplay wraps raw packets with synthetic timestamps spaced
// one microsecond apart.
func NewPacketReplay(packets [][]byte) *ReplaySource {
	events := make([]CaptureEvent, len(packets))
	for i, p := range packets {
		events[i] = CaptureEvent{Kind: EventPacket, TsNs: uint64(i) * 1000, Data: p}
	}
	return &ReplaySource{events: events}
}

// Next returns the next recorded event.
func (s *ReplaySource) Next() CaptureEvent {
	if s.cancelled() {
		return end(EndCancelled, nil)
	}
	if s.pos >= len(s.events) {
		return end(EndComplete, nil)
	}
	ev := s.events[s.pos]
	s.pos++
	return ev
}
