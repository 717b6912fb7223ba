package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus carries ingestion events from transports to the host loop and
// memory changes from the host loop back out to subscribers.
type MessageBus struct {
	Inbound  chan InboundEvent
	Outbound chan OutboundEvent

	mu          sync.RWMutex
	subscribers map[string]func(OutboundEvent)
	dropped     atomic.Int64
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundEvent, bufSize),
		Outbound:    make(chan OutboundEvent, bufSize),
		subscribers: make(map[string]func(OutboundEvent)),
	}
}

// PublishInbound queues ev for the host loop, waiting until there is room
// or ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, ev InboundEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.Inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound never blocks. Events that do not fit are dropped and
// counted, the host loop must not stall on a slow feed.
func (b *MessageBus) PublishOutbound(ev OutboundEvent) bool {
	select {
	case b.Outbound <- ev:
		return true
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[bus] outbound queue full, dropped %d events so far", n)
		}
		return false
	}
}

func (b *MessageBus) Dropped() int64 { return b.dropped.Load() }

func (b *MessageBus) SubscribeOutbound(name string, fn func(OutboundEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = fn
}

func (b *MessageBus) UnsubscribeOutbound(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, name)
}

// DispatchOutbound fans outbound events out to every subscriber until ctx
// is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Outbound:
			b.mu.RLock()
			subs := make([]func(OutboundEvent), 0, len(b.subscribers))
			for _, fn := range b.subscribers {
				subs = append(subs, fn)
			}
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}
