package channel

import (
	"context"

	"github.com/stellarlinkco/pawnmind/internal/bus"
)

// Channel is a transport that feeds ingestion events in and receives
// memory changes out.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(ev bus.OutboundEvent) error
	Stop() error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = struct{}{}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may publish. An empty allow list
// admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}
