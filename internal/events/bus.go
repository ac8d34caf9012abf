package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
// Subscribers registered with an empty topic receive every event.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// SubscribeAll receives every published event.
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	return b.Subscribe(All, buffer)
}

// Publish fans the payload out without blocking; slow subscribers miss events.
func (b *Bus) Publish(e Event, payload any) {
	env := Envelope{Topic: e, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range []Event{e, All} {
		for _, ch := range b.subs[topic] {
			select {
			case ch <- env:
			default:
			}
		}
	}
}
