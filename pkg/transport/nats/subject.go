// Package nats broadcasts operations on a core NATS subject.
package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"peerelect/pkg/metrics"
	"peerelect/pkg/resilience"
	"peerelect/pkg/transport"
)

// SubjectPrefix namespaces the subject of each scope.
const SubjectPrefix = "peerelect."

// Config holds NATS connection configuration.
type Config struct {
	URL           string
	Scope         string
	ClientID      string
	Name          string
	ReconnectWait time.Duration
	BufferSize    int
}

// DefaultConfig returns defaults for a peer on scope.
func DefaultConfig(url, scope, clientID string) Config {
	return Config{
		URL:           url,
		Scope:         scope,
		ClientID:      clientID,
		Name:          "peerelect-" + clientID,
		ReconnectWait: 2 * time.Second,
		BufferSize:    transport.DefaultBufferSize,
	}
}

// Subject returns the subject used for scope.
func Subject(scope string) string {
	return SubjectPrefix + scope
}

// Transport is a transport.Transport backed by a NATS subscription.
type Transport struct {
	*transport.Brokered
	conn *nats.Conn
	sub  *nats.Subscription
}

// Open connects with NoEcho, so the server never returns our own frames,
// and subscribes to the scope subject.
func Open(cfg Config, log *zap.Logger) (*Transport, error) {
	t := &Transport{}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectHandler(func(*nats.Conn) {
			metrics.TransportReconnects.WithLabelValues("nats").Inc()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	t.conn = conn

	subject := Subject(cfg.Scope)
	t.Brokered = transport.NewBrokered(transport.BrokeredConfig{
		Name:       "nats",
		ClientID:   cfg.ClientID,
		BufferSize: cfg.BufferSize,
		Breaker:    resilience.NewBreaker("nats", resilience.DefaultBreakerConfig()),
		Logger:     log,
	}, func(frame []byte) error {
		return conn.Publish(subject, frame)
	}, t.shutdown)

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		t.Receive(msg.Data)
	})
	if err != nil {
		_ = t.Brokered.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	t.sub = sub

	// make sure the subscription reached the server before the first IDENT
	if err := conn.Flush(); err != nil {
		_ = t.Brokered.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	t.Logger().Info("subscribed", zap.String("subject", subject), zap.String("server", conn.ConnectedUrl()))
	return t, nil
}

func (t *Transport) shutdown() error {
	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
	}
	t.conn.Close()
	return err
}

// Candidate offers NATS as a transport choice when url is configured.
func Candidate(cfg Config, log *zap.Logger) transport.Candidate {
	return transport.Candidate{
		Name:      "nats",
		Supported: func() bool { return cfg.URL != "" },
		Open: func() (transport.Transport, error) {
			return Open(cfg, log)
		},
	}
}
