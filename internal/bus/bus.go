// Package bus fans the single shared transport endpoint out to the
// Responder (queries) and to every interested Publisher probe and Browser
// session (responses), mirroring the teacher's single command-loop
// reactor (mdns/responder.Responder.run) generalized to multiple
// consumers of the same inbound stream.
package bus

import (
	"context"
	"sync"

	"github.com/arnegard/mdnssd/transport"
)

// Bus reads a Transport's inbound channels and distributes packets to
// registered subscribers until Close is called.
type Bus struct {
	t transport.Transport

	mu          sync.Mutex
	subscribers map[int]func(*transport.Packet)
	nextID      int

	done      chan struct{}
	closeOnce sync.Once
}

// New starts reading from t. onQuery is invoked, on its own goroutine
// sequence, for every inbound query packet. Inbound response packets are
// fanned out to every func registered via Subscribe.
func New(t transport.Transport, onQuery func(ctx context.Context, pkt *transport.Packet)) *Bus {
	b := &Bus{
		t:           t,
		subscribers: map[int]func(*transport.Packet){},
		done:        make(chan struct{}),
	}

	go b.readQueries(onQuery)
	go b.readResponses()

	return b
}

func (b *Bus) readQueries(onQuery func(context.Context, *transport.Packet)) {
	for {
		select {
		case pkt, ok := <-b.t.Queries():
			if !ok {
				return
			}
			if onQuery != nil {
				onQuery(context.Background(), pkt)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bus) readResponses() {
	for {
		select {
		case pkt, ok := <-b.t.Responses():
			if !ok {
				return
			}
			for _, fn := range b.snapshot() {
				fn(pkt)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bus) snapshot() []func(*transport.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]func(*transport.Packet), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		out = append(out, fn)
	}
	return out
}

// Subscribe registers fn to be called with every inbound response packet,
// in arrival order, until the returned unsubscribe func is called.
func (b *Bus) Subscribe(fn func(*transport.Packet)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Close stops the bus's read goroutines. It is safe to call more than
// once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
