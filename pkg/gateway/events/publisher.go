package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
)

// PublisherConfig wires a Publisher.
type PublisherConfig struct {
	Broker         broker.Broker
	Hub            Broadcaster
	TopicPrefix    string
	Origin         string
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Publisher fans an event out to the local hub and to the broker.
type Publisher struct {
	broker  broker.Broker
	hub     Broadcaster
	prefix  string
	origin  string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	p := &Publisher{
		broker:  cfg.Broker,
		hub:     cfg.Hub,
		prefix:  cfg.TopicPrefix,
		origin:  cfg.Origin,
		timeout: cfg.PublishTimeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if p.prefix == "" {
		p.prefix = DefaultTopicPrefix
	}
	if p.timeout <= 0 {
		p.timeout = 2 * time.Second
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Topic returns the broker topic for an event type.
func (p *Publisher) Topic(eventType string) string { return p.prefix + eventType }

// Origin is the instance id stamped on every envelope.
func (p *Publisher) Origin() string { return p.origin }

// Publish delivers the event to local sockets first, then to the broker.
// Broker failures are logged and counted; only encoding errors are returned.
func (p *Publisher) Publish(ctx context.Context, eventType, sessionID string, payload any) error {
	if p == nil {
		return nil
	}
	env, err := NewEnvelope(eventType, sessionID, p.origin, p.now(), payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	if p.hub != nil {
		p.hub.Broadcast(sessionID, data)
	}
	p.metrics.RecordEventPublished(eventType)

	if p.broker == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.broker.Publish(pctx, p.Topic(eventType), data); err != nil {
		p.metrics.RecordError("broker_publish")
		p.logger.Warn("event publish to broker failed", "event", eventType, "session_id", sessionID, "error", err)
	}
	return nil
}
