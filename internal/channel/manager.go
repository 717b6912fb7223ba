package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/stellarlinkco/pawnmind/internal/bus"
)

// ChannelManager owns the registered transports and their outbound
// subscriptions.
type ChannelManager struct {
	mu       sync.Mutex
	channels map[string]Channel
	started  []string
	bus      *bus.MessageBus
}

func NewChannelManager(b *bus.MessageBus) *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}
}

// Register adds ch. Memory events reach it only after StartAll.
func (m *ChannelManager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %q already registered", ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

// StartAll starts channels in name order. On the first failure the ones
// already started are stopped again.
func (m *ChannelManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.sortedNames() {
		ch := m.channels[name]
		log.Printf("[channel] starting %s", name)
		if err := ch.Start(ctx); err != nil {
			m.stopStarted()
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		m.bus.SubscribeOutbound(name, func(ev bus.OutboundEvent) {
			if err := ch.Send(ev); err != nil {
				log.Printf("[channel] send to %s warning: %v", ch.Name(), err)
			}
		})
		m.started = append(m.started, name)
	}
	return nil
}

// StopAll stops started channels in reverse start order.
func (m *ChannelManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStarted()
}

// stopStarted needs m.mu held.
func (m *ChannelManager) stopStarted() error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		log.Printf("[channel] stopping %s", name)
		m.bus.UnsubscribeOutbound(name)
		if err := m.channels[name].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop channel %s: %w", name, err))
		}
	}
	m.started = nil
	return errors.Join(errs...)
}

// EnabledChannels lists registered channel names in order.
func (m *ChannelManager) EnabledChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNames()
}

func (m *ChannelManager) sortedNames() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
