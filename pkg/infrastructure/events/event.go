// Package events records what the allocation engine did: commits, releases,
// consumptions, rejections and batch status changes. Stores are append-only
// and versioned per stream.
package events

import (
	"time"
)

// Event is one immutable entry of the log
type Event interface {
	Type() string
	StreamID() string
	Data() interface{}
	Timestamp() time.Time
	Version() int
}

// EventHandler receives events of the types it subscribed to
type EventHandler interface {
	Handle(event Event) error
	CanHandle(eventType string) bool
}

// EventStore is an append-only log of allocation events, partitioned into
// streams (one per reservation or batch).
type EventStore interface {
	AppendEvent(streamID string, event Event) error
	ReadEvents(streamID string, fromVersion int) ([]Event, error)
	ReadAllEvents(fromPosition int) ([]Event, error)
	Subscribe(eventTypes []string, handler EventHandler) error
	Unsubscribe(handler EventHandler) error
}

// BaseEvent is the concrete Event appended by the engine
type BaseEvent struct {
	EventType    string
	Stream       string
	EventData    interface{}
	EventTime    time.Time
	EventVersion int
}

func (e BaseEvent) Type() string {
	return e.EventType
}

func (e BaseEvent) StreamID() string {
	return e.Stream
}

func (e BaseEvent) Data() interface{} {
	return e.EventData
}

func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

func (e BaseEvent) Version() int {
	return e.EventVersion
}

// NewEvent builds a version 1 event stamped with the current time. Stores
// restamp the version on append.
func NewEvent(eventType, streamID string, data interface{}) Event {
	return BaseEvent{
		EventType:    eventType,
		Stream:       streamID,
		EventData:    data,
		EventTime:    time.Now(),
		EventVersion: 1,
	}
}

type funcHandler struct {
	fn func(event Event) error
}

func (h *funcHandler) Handle(event Event) error {
	return h.fn(event)
}

func (h *funcHandler) CanHandle(string) bool {
	return true
}

// HandlerFunc adapts a function to an EventHandler that accepts every event
// type it is subscribed to. The returned handler can be passed to Unsubscribe.
func HandlerFunc(fn func(event Event) error) EventHandler {
	return &funcHandler{fn: fn}
}
