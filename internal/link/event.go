package link

import (
	"fmt"
	"sync"
)

// EventKind classifies an Event.
type EventKind int

const (
	// EventStateChanged carries the manager's new State.
	EventStateChanged EventKind = iota
	// EventDataReceived carries bytes read from the live stream.
	EventDataReceived
	// EventWriteAcknowledged carries bytes written to the live stream.
	EventWriteAcknowledged
	// EventConnectionFailed reports an outbound dial that did not connect.
	EventConnectionFailed
	// EventWriteFailed reports a write the stream rejected.
	EventWriteFailed
	// EventListenFailed reports that the listener could not be set up.
	EventListenFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventDataReceived:
		return "data_received"
	case EventWriteAcknowledged:
		return "write_acknowledged"
	case EventConnectionFailed:
		return "connection_failed"
	case EventWriteFailed:
		return "write_failed"
	case EventListenFailed:
		return "listen_failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification emitted by a Manager.
type Event struct {
	Kind   EventKind
	State  State    // EventStateChanged
	Data   []byte   // EventDataReceived, EventWriteAcknowledged, EventWriteFailed
	Remote Endpoint // peer, when one is known
	Err    error    // failure kinds
}

// Sink receives events. Notify is called from the manager's coordinator and
// from its workers, so it must be safe for concurrent use and must not block.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Notify calls f(ev).
func (f SinkFunc) Notify(ev Event) { f(ev) }

type discard struct{}

func (discard) Notify(Event) {}

// EventQueue is an unbounded FIFO Sink. Notify never blocks; events are
// handed to the reader of Events in the order they were queued.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool

	wake chan struct{}
	out  chan Event
}

// NewEventQueue creates a queue and starts its delivery goroutine.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

// Notify queues ev. Events queued after Close are dropped.
func (q *EventQueue) Notify(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

// Events returns the delivery channel. It is closed after Close once every
// pending event has been received.
func (q *EventQueue) Events() <-chan Event {
	return q.out
}

// Close stops accepting events. The delivery goroutine exits only after the
// reader has drained Events, so callers that stop reading early must drain
// it after Close. Safe to call more than once.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *EventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			q.out <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
