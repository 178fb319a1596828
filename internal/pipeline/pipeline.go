// Package pipeline wires a capture source to the decoder: a capture
// goroutine pulls events into a bounded queue, the decoder goroutine
// drains it as the store's sole writer, and readers watch the store
// concurrently. Worker panics are caught at the goroutine boundary and
// surfaced on the error channel instead of unwinding.
package pipeline

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"usblens/internal/capture"
	"usblens/internal/decoder"
	"usblens/internal/descriptor"
	"usblens/internal/source"
	"usblens/pkg/pcapfile"
)

// DefaultQueueSize bounds how far the capture goroutine may run ahead
// of the decoder.
const DefaultQueueSize = 1024

// Error is a structural pipeline failure surfaced to the UI. Decode
// errors never appear here; they are recorded in the store instead.
type Error struct {
	Err   error
	Stack []byte // non-nil for recovered panics
}

func (e Error) Error() string { return e.Err.Error() }

// Pipeline owns one capture run.
type Pipeline struct {
	store   *capture.Store
	devices *descriptor.Engine
	src     source.Source

	events chan source.CaptureEvent
	errs   chan Error
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a pipeline decoding src into a fresh store.
func New(src source.Source, maxPackets uint64, queueSize int) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pipeline{
		store:   capture.NewStore(maxPackets),
		devices: descriptor.NewEngine(),
		src:     src,
		events:  make(chan source.CaptureEvent, queueSize),
		errs:    make(chan Error, 4),
	}
}

// Store returns the capture store for readers.
func (p *Pipeline) Store() *capture.Store { return p.store }

// Devices returns the descriptor engine for device tree readers.
func (p *Pipeline) Devices() *descriptor.Engine { return p.devices }

// Errors returns the bounded channel of structural failures.
func (p *Pipeline) Errors() <-chan Error { return p.errs }

// Start launches the capture and decoder goroutines.
func (p *Pipeline) Start() {
	p.wg.Add(2)
	go p.captureLoop()
	go p.decodeLoop()
}

// Stop cancels the source and waits for both goroutines to finish.
// The store remains readable afterwards.
func (p *Pipeline) Stop() {
	p.src.Cancel()
	p.Wait()
}

// Wait blocks until the capture has drained and the decoder finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.once.Do(func() { close(p.errs) })
}

// captureLoop pulls events from the source and pushes them into the
// bounded queue, blocking on backpressure.
func (p *Pipeline) captureLoop() {
	defer p.wg.Done()
	defer p.recoverPanic("capture")
	defer close(p.events)
	for {
		ev := p.src.Next()
		p.events <- ev
		if ev.Kind == source.EventEnd {
			return
		}
	}
}

// decodeLoop drains the queue into the decoder.
func (p *Pipeline) decodeLoop() {
	defer p.wg.Done()
	// If decoding stops early the queue keeps draining, so the capture
	// goroutine never blocks on a dead consumer.
	defer func() {
		for range p.events {
		}
	}()
	defer p.recoverPanic("decoder")
	dec := decoder.New(p.store, p.devices)
	defer dec.Finish()
	for ev := range p.events {
		switch ev.Kind {
		case source.EventPacket:
			if err := dec.HandlePacket(ev.TsNs, ev.Data); err != nil {
				p.report(Error{Err: err})
				return
			}
		case source.EventSpeedChange, source.EventVbus:
			// Bus conditions are neither decoded nor stored, so Save
			// writes packets only.
		case source.EventEnd:
			if ev.Reason == source.EndSourceFailure {
				p.report(Error{Err: fmt.Errorf("capture source failed: %w", ev.Err)})
			}
			return
		}
	}
}

// report delivers an error without ever blocking the worker.
func (p *Pipeline) report(e Error) {
	select {
	case p.errs <- e:
	default:
		log.Printf("Error channel full, dropping: %v", e.Err)
	}
}

// recoverPanic converts a worker panic into an error event with the
// captured stack.
func (p *Pipeline) recoverPanic(role string) {
	if r := recover(); r != nil {
		p.report(Error{
			Err:   fmt.Errorf("%s worker panic: %v", role, r),
			Stack: debug.Stack(),
		})
	}
}

// Save writes the whole store to a capture file in timestamp order.
// It may run concurrently with readers, and with the decoder if the
// capture is still in progress; only packets present in the snapshot
// taken at the start are written.
func (p *Pipeline) Save(path string, format pcapfile.Format) (string, error) {
	w, finalPath, err := pcapfile.Create(path, format)
	if err != nil {
		return "", err
	}
	snap := p.store.TakeSnapshot()
	for i := uint64(0); i < snap.Packets; i++ {
		pkt, err := p.store.PacketAt(i)
		if err != nil {
			w.Close()
			return "", err
		}
		if err := w.AddPacket(pkt.TimestampNs, pkt.Data); err != nil {
			w.Close()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return finalPath, nil
}
