// Package eventbus is a small in-memory fan-out used to decouple the drip
// components from their observers (status page, owner notifications).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by dripbot components.
const (
	SubscriberEnrolled = "subscriber.enrolled"
	DeliverySent       = "delivery.sent"
	DeliveryFailed     = "delivery.failed"
	DeliveryCycle      = "delivery.cycle"
	BroadcastFinished  = "broadcast.finished"
	ConfigReloaded     = "config.reloaded"
	TaskFinished       = "task.finished"
	TaskFailed         = "task.failed"
)

// Event is a small in-memory signal. Publish never blocks; a slow
// subscriber loses events once its buffer is full.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under
			// the write lock never races with a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
