package eventbus

import (
	"sync"
	"time"
)

// Event is an in-memory signal passed between components that must not
// import each other. The relay publishes delivery outcomes under its topic
// names; the ledger subscribes and records them.
//
// Publish never blocks and slow subscribers lose events, so Data should be
// small and self-contained.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

// fanout sends under the read lock and closes under the write lock, so a
// send can never hit a channel that unsubscribe is concurrently closing.
type fanout struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		// Non-blocking: a full buffer drops the event for that subscriber.
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, unsub
}
