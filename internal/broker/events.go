package broker

import "sync"

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventSessionUpdated EventType = "session_updated"
	EventSessionDeleted EventType = "session_deleted"
)

// Event is a session lifecycle notification delivered to event subscribers.
type Event struct {
	Type    EventType
	Session SessionInfo
}

// EventSub is a bounded subscription to broker lifecycle events. C is closed
// when the subscription ends, including when the subscriber is dropped for
// falling behind.
type EventSub struct {
	C chan Event

	mu     sync.Mutex
	closed bool
}

func newEventSub(queue int) *EventSub {
	return &EventSub{C: make(chan Event, queue)}
}

// send enqueues without blocking. Returns false when the queue is full or
// the subscription is closed.
func (s *EventSub) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- ev:
		return true
	default:
		return false
	}
}

// Close ends the subscription. Safe to call more than once.
func (s *EventSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// OutputEvent is one item on a session output stream: either a chunk of
// terminal bytes or, exactly once at the end, the exit notification.
type OutputEvent struct {
	Data     []byte
	Exit     bool
	ExitCode int
}

// OutputSub is a bounded subscription to one session's output stream.
// The channel is closed after the exit event, or early if the subscriber
// cannot keep up (slow consumer).
type OutputSub struct {
	C chan OutputEvent

	mu     sync.Mutex
	closed bool
}

func newOutputSub(queue int) *OutputSub {
	return &OutputSub{C: make(chan OutputEvent, queue)}
}

func (s *OutputSub) send(ev OutputEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- ev:
		return true
	default:
		return false
	}
}

// Close ends the subscription. Safe to call more than once.
func (s *OutputSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// SubscribeEvents registers a lifecycle event subscriber.
func (b *Broker) SubscribeEvents() *EventSub {
	sub := newEventSub(b.cfg.SubscriberQueue)
	b.evMu.Lock()
	b.eventSubs = append(b.eventSubs, sub)
	b.evMu.Unlock()
	return sub
}

// UnsubscribeEvents removes and closes an event subscriber.
func (b *Broker) UnsubscribeEvents(sub *EventSub) {
	b.evMu.Lock()
	for i, s := range b.eventSubs {
		if s == sub {
			b.eventSubs = append(b.eventSubs[:i], b.eventSubs[i+1:]...)
			break
		}
	}
	b.evMu.Unlock()
	sub.Close()
}

// publish fans an event out to all subscribers. A subscriber whose queue is
// full is dropped and its channel closed; the session is never backpressured.
func (b *Broker) publish(ev Event) {
	b.evMu.Lock()
	subs := make([]*EventSub, len(b.eventSubs))
	copy(subs, b.eventSubs)
	b.evMu.Unlock()

	var slow []*EventSub
	for _, sub := range subs {
		if !sub.send(ev) {
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		b.log.Warn("dropping slow event subscriber")
		b.UnsubscribeEvents(sub)
	}
}
