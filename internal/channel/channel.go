// Package channel connects external clients to the message bus.
package channel

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/mnemos/internal/bus"
)

// Channel is one transport feeding the bus.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(msg bus.OutboundMessage) error
	Stop() error
}

// BaseChannel carries the name, bus and sender allowlist shared by channels.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	bc := BaseChannel{name: name, bus: b}
	if len(allowFrom) > 0 {
		bc.allowFrom = make(map[string]struct{}, len(allowFrom))
		for _, id := range allowFrom {
			bc.allowFrom[id] = struct{}{}
		}
	}
	return bc
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the gateway. No allowlist allows all.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}

// Manager starts channels and routes outbound messages to them.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	log      zerolog.Logger
}

func NewManager(b *bus.MessageBus, log zerolog.Logger) *Manager {
	return &Manager{channels: make(map[string]Channel), bus: b, log: log}
}

// Add registers ch and subscribes it to outbound messages addressed to its name.
func (m *Manager) Add(ch Channel) error {
	if _, dup := m.channels[ch.Name()]; dup {
		return fmt.Errorf("channel %s already registered", ch.Name())
	}
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.log.Warn().Err(err).Str("channel", ch.Name()).Msg("send failed")
		}
	})
	return nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.EnabledChannels() {
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every channel concurrently and returns the first failure.
func (m *Manager) StopAll() error {
	var g errgroup.Group
	for _, name := range m.EnabledChannels() {
		ch := m.channels[name]
		g.Go(func() error {
			if err := ch.Stop(); err != nil {
				return fmt.Errorf("stop channel %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
