package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerelect/pkg/metrics"
	"peerelect/pkg/resilience"
	"peerelect/pkg/transport"
)

var errNotConnected = errors.New("relay not connected")

// ClientConfig holds relay client configuration.
type ClientConfig struct {
	URL              string // relay base URL, e.g. ws://relay:8090
	Scope            string
	ClientID         string
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BufferSize       int
}

// DefaultClientConfig returns defaults for a peer on scope.
func DefaultClientConfig(relayURL, scope, clientID string) ClientConfig {
	return ClientConfig{
		URL:              relayURL,
		Scope:            scope,
		ClientID:         clientID,
		HandshakeTimeout: 5 * time.Second,
		InitialBackoff:   250 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		BufferSize:       transport.DefaultBufferSize,
	}
}

// ScopeURL returns the relay endpoint for scope.
func ScopeURL(base, scope string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(scope)
	return u.String(), nil
}

// Client is a transport.Transport that talks to a Relay and reconnects with
// exponential backoff when the connection drops.
type Client struct {
	*transport.Brokered
	cfg    ClientConfig
	target string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the relay. The first connection must succeed; later
// drops are retried until Close.
func Dial(ctx context.Context, cfg ClientConfig, log *zap.Logger) (*Client, error) {
	target, err := ScopeURL(cfg.URL, cfg.Scope)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		target: target,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		done:   make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.Brokered = transport.NewBrokered(transport.BrokeredConfig{
		Name:       "websocket",
		ClientID:   cfg.ClientID,
		BufferSize: cfg.BufferSize,
		Breaker:    resilience.NewBreaker("websocket", resilience.DefaultBreakerConfig()),
		Logger:     log,
	}, c.write, c.shutdown)

	go c.loop(conn)
	c.Logger().Info("connected to relay", zap.String("url", target))
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.target, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// loop reads from conn until it fails, then redials.
func (c *Client) loop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.read(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.Logger().Warn("relay connection lost, reconnecting")

		next, err := c.reconnect()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()
		conn = next
		c.Logger().Info("reconnected to relay")
	}
}

func (c *Client) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.Receive(data)
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	return backoff.Retry(c.ctx, func() (*websocket.Conn, error) {
		metrics.TransportReconnects.WithLabelValues("websocket").Inc()
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.Logger().Debug("redial failed", zap.Error(err))
		}
		return conn, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
}

func (c *Client) shutdown() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

// Candidate offers the relay as a transport choice when a URL is known.
// resolve may be nil; otherwise it is asked for a URL when none is set.
func Candidate(cfg ClientConfig, resolve func() (string, error), log *zap.Logger) transport.Candidate {
	return transport.Candidate{
		Name:      "websocket",
		Supported: func() bool { return cfg.URL != "" || resolve != nil },
		Open: func() (transport.Transport, error) {
			if cfg.URL == "" {
				found, err := resolve()
				if err != nil {
					return nil, err
				}
				cfg.URL = found
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
			defer cancel()
			return Dial(ctx, cfg, log)
		},
	}
}
