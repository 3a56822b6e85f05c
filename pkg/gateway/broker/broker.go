// Package broker fans events out across gateway replicas and caches
// synthesized audio for the telephony provider to fetch.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by AudioCache.GetAudio for absent or expired keys.
var ErrCacheMiss = errors.New("broker: cache miss")

// Message is one published payload.
type Message struct {
	Channel string
	Payload []byte
}

// Broker is a pattern-subscribable pub/sub bus.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages on channels matching a glob pattern until
	// ctx ends or the returned cancel func is called.
	Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error)
	Ping(ctx context.Context) error
	Close() error
}

// AudioCache holds short-lived audio blobs.
type AudioCache interface {
	PutAudio(ctx context.Context, key string, data []byte, ttl time.Duration) error
	GetAudio(ctx context.Context, key string) ([]byte, error)
}

// Backend is a Broker that also serves as an AudioCache.
type Backend interface {
	Broker
	AudioCache
}

const subscriberBuffer = 256
