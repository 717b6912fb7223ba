package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stellarlinkco/pawnmind/internal/memory"
)

func TestPublishInbound(t *testing.T) {
	b := NewMessageBus(1)
	ctx := context.Background()

	ev := InboundEvent{Source: "test", Event: memory.IngestEvent{PawnID: "p1", Content: "hi", Type: memory.Action}}
	if err := b.PublishInbound(ctx, ev); err != nil {
		t.Fatalf("PublishInbound: %v", err)
	}
	got := <-b.Inbound
	if got.Event.Content != "hi" || got.Timestamp.IsZero() {
		t.Fatalf("inbound = %+v", got)
	}

	b.Inbound <- ev
	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.PublishInbound(timeout, ev); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full queue err = %v, want deadline exceeded", err)
	}
}

func TestPublishOutboundDropsWhenFull(t *testing.T) {
	b := NewMessageBus(1)
	if !b.PublishOutbound(OutboundEvent{Tick: 1}) {
		t.Fatal("first publish should fit")
	}
	if b.PublishOutbound(OutboundEvent{Tick: 2}) {
		t.Fatal("second publish should be dropped")
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestDispatchOutbound(t *testing.T) {
	b := NewMessageBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan OutboundEvent, 4)
	b.SubscribeOutbound("a", func(ev OutboundEvent) { got <- ev })
	b.SubscribeOutbound("b", func(ev OutboundEvent) { got <- ev })
	b.UnsubscribeOutbound("b")
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(OutboundEvent{MemoryEvent: memory.MemoryEvent{Kind: memory.EventAdded}, Tick: 7})
	select {
	case ev := <-got:
		if ev.Kind != memory.EventAdded || ev.Tick != 7 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
	select {
	case ev := <-got:
		t.Fatalf("unsubscribed handler received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
