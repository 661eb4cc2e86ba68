// Package websocket provides a broadcast relay for peers that cannot reach a
// shared broker, and the client transport that talks to it.
package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// MaxFrameSize bounds inbound frames; operations are a few hundred bytes.
	MaxFrameSize = 64 * 1024

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type conn struct {
	ws    *websocket.Conn
	scope string
	send  chan []byte
}

type frame struct {
	from *conn
	data []byte
}

// Relay fans every frame out to all other connections of the same scope.
// It never decodes frames.
type Relay struct {
	log        *zap.Logger
	scopes     map[string]map[*conn]struct{}
	register   chan *conn
	unregister chan *conn
	broadcast  chan frame
	count      chan chan int
	done       chan struct{}
}

// NewRelay builds a relay; call Run before serving connections.
func NewRelay(log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		log:        log.Named("relay"),
		scopes:     make(map[string]map[*conn]struct{}),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		broadcast:  make(chan frame, sendBuffer),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run owns the connection set until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for _, members := range r.scopes {
				for c := range members {
					close(c.send)
				}
			}
			r.scopes = make(map[string]map[*conn]struct{})
			return

		case c := <-r.register:
			members, ok := r.scopes[c.scope]
			if !ok {
				members = make(map[*conn]struct{})
				r.scopes[c.scope] = members
			}
			members[c] = struct{}{}
			r.log.Debug("client registered", zap.String("scope", c.scope), zap.Int("clients", len(members)))

		case c := <-r.unregister:
			r.drop(c)

		case f := <-r.broadcast:
			for c := range r.scopes[f.from.scope] {
				if c == f.from {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					// slow consumer; it reconnects and re-identifies
					r.drop(c)
				}
			}

		case reply := <-r.count:
			n := 0
			for _, members := range r.scopes {
				n += len(members)
			}
			reply <- n
		}
	}
}

func (r *Relay) drop(c *conn) {
	members := r.scopes[c.scope]
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	close(c.send)
	if len(members) == 0 {
		delete(r.scopes, c.scope)
	}
	r.log.Debug("client unregistered", zap.String("scope", c.scope), zap.Int("clients", len(members)))
}

// Clients returns the number of registered connections.
func (r *Relay) Clients() int {
	reply := make(chan int, 1)
	select {
	case r.count <- reply:
		return <-reply
	case <-r.done:
		return 0
	}
}

// Handler upgrades GET /ws/:scope requests.
func (r *Relay) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.Serve(c.Writer, c.Request, c.Param("scope"))
	}
}

// Serve upgrades one request and joins it to scope.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, scope string) {
	if scope == "" {
		http.Error(w, "scope required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &conn{ws: ws, scope: scope, send: make(chan []byte, sendBuffer)}
	select {
	case r.register <- c:
	case <-r.done:
		ws.Close()
		return
	}
	go r.writePump(c)
	go r.readPump(c)
}

// Routes mounts the relay on a gin engine.
func (r *Relay) Routes(router gin.IRouter) {
	router.GET("/ws/:scope", r.Handler())
}

func (r *Relay) readPump(c *conn) {
	defer func() {
		select {
		case r.unregister <- c:
		case <-r.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case r.broadcast <- frame{from: c, data: data}:
		case <-r.done:
			return
		}
	}
}

func (r *Relay) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
