package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-go/vai-voice/pkg/gateway/broker"
)

// Broadcaster delivers an encoded envelope for sessionID to local sockets.
type Broadcaster interface {
	Broadcast(sessionID string, data []byte) int
}

// Relay forwards envelopes published by other instances to local sockets.
type Relay struct {
	broker broker.Broker
	hub    Broadcaster
	prefix string
	origin string
	logger *slog.Logger
}

func NewRelay(b broker.Broker, hub Broadcaster, prefix, origin string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{broker: b, hub: hub, prefix: prefix, origin: origin, logger: logger}
}

// Run blocks until ctx is done or the subscription ends.
func (r *Relay) Run(ctx context.Context) error {
	msgs, cancel, err := r.broker.Subscribe(ctx, r.prefix+"*")
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relay subscription closed")
			}
			env, err := Decode(msg.Payload)
			if err != nil {
				r.logger.Warn("relay dropped malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.Broadcast(env.SessionID, msg.Payload)
		}
	}
}
