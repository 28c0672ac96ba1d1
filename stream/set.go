package stream

import (
	"sync"

	"datacollector/models"
)

// Set holds the buffers of one exchange, one per subscribed event type.
type Set struct {
	defaults Options

	mu      sync.RWMutex
	order   []models.EventType
	buffers map[models.EventType]*Buffer
}

// NewSet builds an empty set; defaults seed every buffer it creates.
func NewSet(exchange string, defaults Options) *Set {
	defaults.Exchange = exchange
	return &Set{
		defaults: defaults,
		buffers:  make(map[models.EventType]*Buffer),
	}
}

// Ensure returns the buffer for et, creating it on first use. Buffers survive
// resubscription so events collected before a reconnect are kept.
func (s *Set) Ensure(et models.EventType) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[et]; ok {
		return b
	}
	opts := s.defaults
	opts.EventType = et
	opts.RequiredKeys = nil
	b := NewBuffer(opts)
	s.buffers[et] = b
	s.order = append(s.order, et)
	return b
}

// Get returns the buffer for et, or nil when et was never subscribed.
func (s *Set) Get(et models.EventType) *Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffers[et]
}

// First returns the buffer of the first subscribed event type. Its error
// callback serves the whole connection.
func (s *Set) First() *Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.buffers[s.order[0]]
}

// Extract drains every buffer. Event types with nothing buffered are omitted.
func (s *Set) Extract() map[models.EventType][]models.Record {
	s.mu.RLock()
	buffers := make([]*Buffer, 0, len(s.order))
	for _, et := range s.order {
		buffers = append(buffers, s.buffers[et])
	}
	s.mu.RUnlock()

	out := make(map[models.EventType][]models.Record, len(buffers))
	for _, b := range buffers {
		if recs := b.Extract(); len(recs) > 0 {
			out[b.EventType()] = recs
		}
	}
	return out
}

// Clear empties every buffer.
func (s *Set) Clear() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.buffers {
		b.Clear()
	}
}
