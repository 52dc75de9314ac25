package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
)

// InMemoryEventStore keeps the event log in process memory. Each stream is an
// index into the global log; handlers run on their own goroutines.
type InMemoryEventStore struct {
	mu      sync.RWMutex
	log     []Event
	streams map[string][]int
	subs    []subscription

	inflight sync.WaitGroup
}

type subscription struct {
	types   map[string]bool
	handler EventHandler
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{streams: make(map[string][]int)}
}

// AppendEvent stamps event with its version in streamID and appends it.
func (s *InMemoryEventStore) AppendEvent(streamID string, event Event) error {
	s.mu.Lock()
	stamped := BaseEvent{
		EventType:    event.Type(),
		Stream:       streamID,
		EventData:    event.Data(),
		EventTime:    event.Timestamp(),
		EventVersion: len(s.streams[streamID]) + 1,
	}
	s.streams[streamID] = append(s.streams[streamID], len(s.log))
	s.log = append(s.log, stamped)
	handlers := s.handlersFor(stamped.EventType)
	s.mu.Unlock()

	s.dispatch(stamped, handlers)
	return nil
}

// ReadEvents returns the events of one stream starting at version fromVersion.
func (s *InMemoryEventStore) ReadEvents(streamID string, fromVersion int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.streams[streamID]
	if fromVersion < 1 {
		fromVersion = 1
	}
	out := []Event{}
	for _, i := range idx[min(fromVersion-1, len(idx)):] {
		out = append(out, s.log[i])
	}
	return out, nil
}

// ReadAllEvents returns the global log from fromPosition (0-based).
func (s *InMemoryEventStore) ReadAllEvents(fromPosition int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fromPosition = max(fromPosition, 0)
	if fromPosition >= len(s.log) {
		return []Event{}, nil
	}
	return append([]Event(nil), s.log[fromPosition:]...), nil
}

func (s *InMemoryEventStore) Subscribe(eventTypes []string, handler EventHandler) error {
	sub := subscription{types: make(map[string]bool, len(eventTypes)), handler: handler}
	for _, t := range eventTypes {
		sub.types[t] = true
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryEventStore) Unsubscribe(handler EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.handler != handler {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	return nil
}

// Flush waits for every handler started so far to return.
func (s *InMemoryEventStore) Flush() {
	s.inflight.Wait()
}

// handlersFor must be called with mu held
func (s *InMemoryEventStore) handlersFor(eventType string) []EventHandler {
	var handlers []EventHandler
	for _, sub := range s.subs {
		if sub.types[eventType] && sub.handler.CanHandle(eventType) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

func (s *InMemoryEventStore) dispatch(event Event, handlers []EventHandler) {
	for _, h := range handlers {
		s.inflight.Add(1)
		go func(h EventHandler) {
			defer s.inflight.Done()
			if err := h.Handle(event); err != nil {
				logger.Warn("Event handler failed",
					zap.String("event_type", event.Type()),
					zap.String("stream_id", event.StreamID()),
					zap.Error(err),
				)
			}
		}(h)
	}
}
