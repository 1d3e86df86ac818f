// Package layerstream fans registry changes out to live map clients.
package layerstream

import "context"

// Op names the registry mutation behind an Event.
type Op string

const (
	OpRegistered Op = "registered"
	OpRemoved    Op = "removed"
)

// Event reports one mutation and the registry version after it.
type Event struct {
	Op      Op     `json:"op"`
	Name    string `json:"name"`
	Version uint64 `json:"version"`
}

// Bus broadcasts events to subscribers without locks. A single goroutine
// owns the subscriber set.
type Bus struct {
	publish     chan Event
	subscribe   chan chan Event
	unsubscribe chan chan Event
	count       chan chan int
}

// NewBus starts the broadcaster. It lives as long as the process; callers
// prune their own subscriptions through context cancellation.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Event, buffer),
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
		count:       make(chan chan int),
	}
	go b.run()
	return b
}

// Publish never blocks; events are dropped when the bus is saturated.
// A nil Bus ignores the call.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	select {
	case b.publish <- ev:
	default:
	}
}

// Subscribe returns a channel of events that closes once ctx ends.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribe <- ch

	go func() {
		<-ctx.Done()
		b.unsubscribe <- ch
		close(ch)
	}()
	return ch
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	reply := make(chan int)
	b.count <- reply
	return <-reply
}

func (b *Bus) run() {
	listeners := make(map[chan Event]struct{})

	for {
		select {
		case ch := <-b.subscribe:
			listeners[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			delete(listeners, ch)
		case reply := <-b.count:
			reply <- len(listeners)
		case ev := <-b.publish:
			for ch := range listeners {
				// slow clients miss events and resync on the next one
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}
