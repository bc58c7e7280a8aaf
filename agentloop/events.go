package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventRunStart       EventKind = "run_start"
	EventRunEnd         EventKind = "run_end"
	EventStepStart      EventKind = "step_start"
	EventLLMRequest     EventKind = "llm_request"
	EventLLMResponse    EventKind = "llm_response"
	EventLLMTextDelta   EventKind = "llm_text_delta"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallEnd    EventKind = "tool_call_end"
	EventBatchStart     EventKind = "batch_start"
	EventContextTrimmed EventKind = "context_trimmed"
	EventCompressed     EventKind = "context_compressed"
	EventSafetyNet      EventKind = "safety_net"
	EventGracefulClose  EventKind = "graceful_close"
	EventLoopDetection  EventKind = "loop_detected"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
)

// EventSink receives structured events from the loop. Emit may be called
// from tool worker goroutines and must be safe for concurrent use.
type EventSink interface {
	Emit(kind EventKind, fields map[string]any)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(EventKind, map[string]any) {}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(kind EventKind, fields map[string]any)

func (f SinkFunc) Emit(kind EventKind, fields map[string]any) { f(kind, fields) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(kind EventKind, fields map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(kind, fields)
		}
	}
}

// Event is a timestamped loop event as delivered by EventEmitter.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventEmitter is an EventSink that hands events to a consumer goroutine
// over a buffered channel. Emit never blocks: when the buffer is full the
// event is dropped and counted.
type EventEmitter struct {
	runID   string
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewEventEmitter returns an emitter stamping events with runID. A
// bufferSize of zero or less selects 256.
func NewEventEmitter(runID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{runID: runID, ch: make(chan Event, bufferSize)}
}

// Emit implements EventSink. Events after Close are ignored.
func (e *EventEmitter) Emit(kind EventKind, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Kind: kind, Timestamp: time.Now(), RunID: e.runID, Fields: fields}:
	default:
		e.dropped++
	}
}

// Events returns the event channel. Close closes it; buffered events stay
// readable.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close ends the stream. Safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
