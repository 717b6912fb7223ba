package bus

import (
	"time"

	"github.com/stellarlinkco/pawnmind/internal/memory"
)

// InboundEvent is a memory-worthy event received from a transport.
type InboundEvent struct {
	Source    string
	SenderID  string
	Event     memory.IngestEvent
	Timestamp time.Time
}

// OutboundEvent is a memory change fanned out to subscribed transports.
type OutboundEvent struct {
	memory.MemoryEvent
	Tick int64 `json:"tick"`
}
