package eventbus

import (
	"sync"
	"time"
)

// Event is one published payload stamped with its publish time.
type Event struct {
	Time    time.Time
	Payload Payload
}

func (e Event) Topic() Topic {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Topic()
}

// Bus fans relay and delivery events out to observers such as the metrics
// collector. Publish never blocks: a subscriber whose buffer is full misses
// the event.
type Bus interface {
	Publish(p Payload)
	// Subscribe returns a channel receiving events of the given topics, or
	// of every topic when none are given. The returned func closes it.
	Subscribe(buffer int, topics ...Topic) (<-chan Event, func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}, now: time.Now}
}

// Nop returns a bus that discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Payload) {}

func (nopBus) Subscribe(int, ...Topic) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type subscription struct {
	ch     chan Event
	topics map[Topic]bool
}

func (s *subscription) wants(t Topic) bool { return len(s.topics) == 0 || s.topics[t] }

type memBus struct {
	// Sends happen under the read lock and close under the write lock, so a
	// channel is never written after it is closed.
	mu     sync.RWMutex
	lastID uint64
	subs   map[uint64]*subscription
	now    func() time.Time
}

func (b *memBus) Publish(p Payload) {
	if p == nil {
		return
	}
	e := Event{Time: b.now(), Payload: p}
	topic := p.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.lastID++
	id := b.lastID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
