// Package etcd broadcasts operations through etcd: each frame is written as
// a short-lived key under the scope prefix and every peer watches the prefix.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"peerelect/pkg/metrics"
	"peerelect/pkg/resilience"
	"peerelect/pkg/transport"
)

// Config holds etcd connection configuration.
type Config struct {
	Endpoints    []string
	Prefix       string
	Scope        string
	ClientID     string
	LeaseTTL     int // seconds
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultConfig returns defaults for a peer on scope.
func DefaultConfig(endpoints []string, scope, clientID string) Config {
	return Config{
		Endpoints:    endpoints,
		Prefix:       "peerelect",
		Scope:        scope,
		ClientID:     clientID,
		LeaseTTL:     10,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		BufferSize:   transport.DefaultBufferSize,
	}
}

// ScopePrefix returns the key prefix watched for scope.
func ScopePrefix(prefix, scope string) string {
	return "/" + strings.Trim(prefix, "/") + "/" + scope + "/"
}

// FrameKey returns the key for the seq-th frame written by clientID.
func FrameKey(prefix, scope, clientID string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", ScopePrefix(prefix, scope), clientID, seq)
}

// Transport is a transport.Transport backed by etcd watches.
type Transport struct {
	*transport.Brokered
	client  *clientv3.Client
	session *concurrency.Session
	cancel  context.CancelFunc
	done    chan struct{}
	seq     atomic.Uint64
}

// Open connects, creates a lease session and starts watching the scope.
func Open(cfg Config, log *zap.Logger) (*Transport, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// the session keeps the lease alive; frames expire with it if we vanish
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.LeaseTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		client:  cli,
		session: sess,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	prefix := ScopePrefix(cfg.Prefix, cfg.Scope)
	watch := cli.Watch(clientv3.WithRequireLeader(ctx), prefix,
		clientv3.WithPrefix(), clientv3.WithFilterDelete(), clientv3.WithCreatedNotify())
	if err := awaitCreated(watch, cfg.DialTimeout); err != nil {
		cancel()
		sess.Close()
		cli.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", prefix, err)
	}

	t.Brokered = transport.NewBrokered(transport.BrokeredConfig{
		Name:       "etcd",
		ClientID:   cfg.ClientID,
		BufferSize: cfg.BufferSize,
		Breaker:    resilience.NewBreaker("etcd", resilience.DefaultBreakerConfig()),
		Logger:     log,
	}, t.writer(cfg), t.shutdown)

	go t.read(watch, prefix+cfg.ClientID+"/")
	t.Logger().Info("watching", zap.String("prefix", prefix), zap.Int64("lease", int64(sess.Lease())))
	return t, nil
}

// awaitCreated blocks until the watch is registered, so nothing sent after
// Open returns can be missed.
func awaitCreated(watch clientv3.WatchChan, timeout time.Duration) error {
	select {
	case resp, ok := <-watch:
		if !ok {
			return errors.New("watch closed")
		}
		return resp.Err()
	case <-time.After(timeout):
		return errors.New("timed out waiting for watch")
	}
}

func (t *Transport) writer(cfg Config) func([]byte) error {
	return func(frame []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
		defer cancel()

		key := FrameKey(cfg.Prefix, cfg.Scope, cfg.ClientID, t.seq.Add(1))
		if _, err := t.client.Put(ctx, key, string(frame), clientv3.WithLease(t.session.Lease())); err != nil {
			return fmt.Errorf("failed to put frame: %w", err)
		}
		// watchers already saw the PUT; the key only needs to outlive that
		if _, err := t.client.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete frame: %w", err)
		}
		return nil
	}
}

func (t *Transport) read(watch clientv3.WatchChan, own string) {
	defer close(t.done)
	for resp := range watch {
		if err := resp.Err(); err != nil {
			t.Logger().Warn("watch error", zap.Error(err))
			metrics.TransportReconnects.WithLabelValues("etcd").Inc()
			continue
		}
		for _, ev := range resp.Events {
			if strings.HasPrefix(string(ev.Kv.Key), own) {
				continue
			}
			t.Receive(ev.Kv.Value)
		}
	}
}

func (t *Transport) shutdown() error {
	t.cancel()
	<-t.done
	err := t.session.Close()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Candidate offers etcd as a transport choice when endpoints are configured.
func Candidate(cfg Config, log *zap.Logger) transport.Candidate {
	return transport.Candidate{
		Name:      "etcd",
		Supported: func() bool { return len(cfg.Endpoints) > 0 },
		Open: func() (transport.Transport, error) {
			return Open(cfg, log)
		},
	}
}
