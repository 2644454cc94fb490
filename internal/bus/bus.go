// Package bus decouples channels from the gateway with buffered inbound and outbound
// queues.
package bus

import (
	"context"
	"sync"
)

type OutboundHandler func(msg OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string][]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string][]OutboundHandler),
	}
}

// SubscribeOutbound registers fn for replies addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], fn)
}

// PublishInbound enqueues msg, giving up when ctx ends.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound enqueues msg, giving up when ctx ends.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers outbound messages to their channel's subscribers until ctx
// ends. Messages for channels without subscribers are dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handlers := append([]OutboundHandler(nil), b.subs[msg.Channel]...)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
