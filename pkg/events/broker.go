package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBrokerClosed       = errors.New("events: broker is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilChannel         = errors.New("events: channel is nil")
)

// SubscriberStats counts deliveries to one subscriber
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	ch    chan<- Event
	stats SubscriberStats
}

// Broker fans events out to subscriber channels.
// A full subscriber channel drops the event for that subscriber only.
type Broker struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
}

// NewBroker creates a broker with no subscribers
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch under id
func (b *Broker) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (b *Broker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish delivers e to every subscriber without blocking
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.totalPublished, 1)

	for _, s := range b.subscribers {
		select {
		case s.ch <- e:
			atomic.AddUint64(&s.stats.Sent, 1)
		default:
			atomic.AddUint64(&s.stats.Dropped, 1)
		}
	}
}

// Stats returns delivery statistics for a subscriber
func (b *Broker) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}, nil
}

// Published returns the number of events accepted since creation
func (b *Broker) Published() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close drops all subscribers; later publishes are ignored
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscribers = nil
}
