// Package events fans task lifecycle events out to in-process consumers.
package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/humantasks/internal/tasks"
)

const defaultBuffer = 256

// Broker is a tasks.EventSink that delivers every event to its subscribers.
// Delivery never blocks the publisher: a subscriber whose buffer is full
// misses the event and the drop is counted.
type Broker struct {
	mu        sync.RWMutex
	subs      map[int]*subscription
	nextSubID int
	buffer    int
	dropped   atomic.Uint64
}

type subscription struct {
	instanceID string
	ch         chan tasks.Event
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		subs:   make(map[int]*subscription),
		buffer: buffer,
	}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel. An empty instanceID subscribes to
// every instance.
func (b *Broker) Subscribe(instanceID string) (<-chan tasks.Event, func()) {
	sub := &subscription{
		instanceID: strings.TrimSpace(instanceID),
		ch:         make(chan tasks.Event, b.buffer),
	}
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (b *Broker) Publish(ev tasks.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.instanceID != "" && sub.instanceID != ev.InstanceID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the number of deliveries skipped because a subscriber lagged.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Multi publishes to several sinks in order.
type Multi []tasks.EventSink

func (m Multi) Publish(ev tasks.Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(ev)
		}
	}
}

// SinkFunc adapts a function to tasks.EventSink.
type SinkFunc func(tasks.Event)

func (f SinkFunc) Publish(ev tasks.Event) { f(ev) }
