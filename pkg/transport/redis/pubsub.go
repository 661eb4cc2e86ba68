// Package redis broadcasts operations over a Redis Pub/Sub channel.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerelect/pkg/resilience"
	"peerelect/pkg/transport"
)

// ChannelPrefix namespaces the Pub/Sub channel of each scope.
const ChannelPrefix = "peerelect:"

// Config holds Redis connection and channel configuration.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Scope        string
	ClientID     string
	PoolSize     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultConfig returns defaults for a peer on scope.
func DefaultConfig(addr, scope, clientID string) Config {
	return Config{
		Addr:         addr,
		Scope:        scope,
		ClientID:     clientID,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		BufferSize:   transport.DefaultBufferSize,
	}
}

// Channel returns the Pub/Sub channel used for scope.
func Channel(scope string) string {
	return ChannelPrefix + scope
}

// Transport is a transport.Transport backed by Redis Pub/Sub.
type Transport struct {
	*transport.Brokered
	client *redis.Client
	pubsub *redis.PubSub
	done   chan struct{}
}

// Open connects, subscribes and starts the reader goroutine.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newTransport(ctx, client, cfg, log)
}

func newTransport(ctx context.Context, client *redis.Client, cfg Config, log *zap.Logger) (*Transport, error) {
	channel := Channel(cfg.Scope)
	pubsub := client.Subscribe(ctx, channel)
	// the first reply confirms the subscription
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	t := &Transport{
		client: client,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	publish := func(frame []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := client.Publish(ctx, channel, frame).Err(); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		return nil
	}

	t.Brokered = transport.NewBrokered(transport.BrokeredConfig{
		Name:       "redis",
		ClientID:   cfg.ClientID,
		BufferSize: cfg.BufferSize,
		Breaker:    resilience.NewBreaker("redis", resilience.DefaultBreakerConfig()),
		Logger:     log,
	}, publish, t.shutdown)

	go t.read()
	t.Logger().Info("subscribed", zap.String("channel", channel))
	return t, nil
}

func (t *Transport) read() {
	defer close(t.done)
	for msg := range t.pubsub.Channel() {
		t.Receive([]byte(msg.Payload))
	}
}

func (t *Transport) shutdown() error {
	err := t.pubsub.Close()
	<-t.done
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Candidate offers Redis as a transport choice when addr is configured.
func Candidate(cfg Config, log *zap.Logger) transport.Candidate {
	return transport.Candidate{
		Name:      "redis",
		Supported: func() bool { return cfg.Addr != "" },
		Open: func() (transport.Transport, error) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+time.Second)
			defer cancel()
			return Open(ctx, cfg, log)
		},
	}
}
