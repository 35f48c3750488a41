// Package sensors provides the bounded handoff between transport adapters and
// the session coordinator. Transport threads are the only producers; the
// coordinator is the only consumer.
package sensors

import (
	"sync"

	"veloride/engine/models"
	"veloride/engine/telemetry/metrics"
)

// DefaultCapacity is the recommended handoff buffer size.
const DefaultCapacity = 1024

// Stats summarizes source activity.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Source is a bounded MPSC event buffer. Submit never blocks: when the
// buffer is full an old event is evicted according to the drop policy —
// the oldest Data event for the submitting device first, then the oldest
// Data event from any device, then the oldest Discovered/Scan/Error event.
// ConnectionChanged events are never dropped; if nothing is evictable the
// buffer grows past capacity to hold them.
type Source struct {
	mu        sync.Mutex
	buf       []models.SensorEvent
	capacity  int
	submitted uint64
	dropped   uint64

	mSubmitted metrics.Counter
	mDropped   metrics.Counter
}

// New creates a Source. A non-positive capacity selects DefaultCapacity.
// The provider may be nil.
func New(capacity int, provider metrics.Provider) *Source {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Source{capacity: capacity}
	if provider != nil {
		s.mSubmitted = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "sensors", Name: "events_submitted_total", Help: "Sensor events accepted from transport adapters"}})
		s.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "sensors", Name: "events_dropped_total", Help: "Sensor events evicted on buffer overflow"}})
	}
	return s
}

// Submit enqueues an event from a transport adapter. Safe for concurrent use
// and never blocks beyond the buffer critical section.
func (s *Source) Submit(ev models.SensorEvent) {
	s.mu.Lock()
	s.submitted++
	if len(s.buf) >= s.capacity && !s.evictLocked(ev) {
		// Incoming event itself is the droppable one.
		s.dropped++
		s.mu.Unlock()
		if s.mSubmitted != nil {
			s.mSubmitted.Inc(1)
		}
		if s.mDropped != nil {
			s.mDropped.Inc(1)
		}
		return
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	if s.mSubmitted != nil {
		s.mSubmitted.Inc(1)
	}
}

// evictLocked frees one slot for the incoming event. Returns false when the
// incoming event should be discarded instead (buffer holds nothing of lower
// priority and the incoming event is itself droppable).
func (s *Source) evictLocked(incoming models.SensorEvent) bool {
	// Oldest Data event for the submitting device.
	if incoming.DeviceID != "" {
		for i, ev := range s.buf {
			if ev.Kind == models.EventData && ev.DeviceID == incoming.DeviceID {
				s.removeLocked(i)
				return true
			}
		}
	}
	// Oldest Data event from any device.
	for i, ev := range s.buf {
		if ev.Kind == models.EventData {
			s.removeLocked(i)
			return true
		}
	}
	if incoming.Kind == models.EventData {
		return false
	}
	// Oldest non-connection bookkeeping event.
	for i, ev := range s.buf {
		if ev.Kind != models.EventConnectionChanged {
			s.removeLocked(i)
			return true
		}
	}
	// Buffer is all ConnectionChanged. Those are never dropped: grow for a
	// ConnectionChanged, discard anything else.
	return incoming.Kind == models.EventConnectionChanged
}

func (s *Source) removeLocked(i int) {
	s.buf = append(s.buf[:i], s.buf[i+1:]...)
	s.dropped++
	if s.mDropped != nil {
		s.mDropped.Inc(1)
	}
}

// Drain removes and returns all pending events in submission order. Called
// by the coordinator once per tick; never blocks.
func (s *Source) Drain() []models.SensorEvent {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	out := s.buf
	s.buf = make([]models.SensorEvent, 0, cap(out))
	s.mu.Unlock()
	return out
}

// Stats returns counters and the current backlog size.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Submitted: s.submitted, Dropped: s.dropped, Pending: len(s.buf)}
}
