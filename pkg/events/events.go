package events

import (
	"sync"
	"time"
)

// Event is one published session event: a named notification delivered
// to the client behind a session. Seq is assigned by the journal when
// the event is persisted.
type Event struct {
	SessionID uint64
	Name      string
	Payload   []byte
	Seq       uint64
	Timestamp time.Time
}

// subscriber is one subscription: a delivery channel plus an optional
// session filter.
type subscriber struct {
	ch        chan *Event
	sessionID uint64 // 0 subscribes to every session
}

// Broker fans published session events out to subscribers. Events
// queue on a buffered channel of 100; Publish waits only while that
// queue is full, and a slow subscriber drops events rather than
// stalling distribution.
type Broker struct {
	subscribers map[*subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription for one session's events.
// sessionID 0 subscribes to every session.
func (b *Broker) Subscribe(sessionID uint64) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		ch:        make(chan *Event, 50), // Buffer per subscriber
		sessionID: sessionID,
	}
	b.subscribers[sub] = true
	return sub.ch
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(ch <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.ch == ch {
			delete(b.subscribers, sub)
			close(sub.ch)
			return
		}
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.sessionID != 0 && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
