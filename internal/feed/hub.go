// Package feed streams orchestrator events to UI clients over websockets.
//
// Every connected client gets its own bounded send queue. Publishing never
// blocks: a client whose queue is full is disconnected with
// [websocket.StatusPolicyViolation] and has to reconnect.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/listen"
	"github.com/MrWong99/earshot/pkg/wake"
)

// Defaults.
const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second
)

// Hub fans events out to websocket clients. It implements
// [orchestrator.Sink] and [http.Handler].
type Hub struct {
	queueSize    int
	writeTimeout time.Duration
	origins      []string
	greeting     func() []Event
	metrics      *observe.Metrics
	log          *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

var (
	_ orchestrator.Sink = (*Hub)(nil)
	_ http.Handler      = (*Hub)(nil)
)

type client struct {
	id   string
	send chan []byte

	// kicked is closed when the hub drops the client.
	kicked chan struct{}
	reason websocket.StatusCode
	once   sync.Once
}

func (c *client) kick(reason websocket.StatusCode) {
	c.once.Do(func() {
		c.reason = reason
		close(c.kicked)
	})
}

// Option configures a [Hub].
type Option func(*Hub)

// WithQueueSize bounds each client's send queue. Default: [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithWriteTimeout bounds one websocket write. Default: [DefaultWriteTimeout].
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin browser clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithGreeting sends the events returned by fn to every new client before
// any published event, e.g. the current conversation state.
func WithGreeting(fn func() []Event) Option {
	return func(h *Hub) { h.greeting = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		log:          slog.Default(),
		clients:      make(map[string]*client),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes
// away, falls behind or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("feed: accept failed", "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		send:   make(chan []byte, h.queueSize),
		kicked: make(chan struct{}),
	}
	if h.greeting != nil {
		for _, e := range h.greeting() {
			if data, err := json.Marshal(e); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "feed closed")
		return
	}
	defer h.unregister(c)

	log := h.log.With("client_id", c.id, "remote", r.RemoteAddr)
	log.Info("feed client connected")

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx once the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Info("feed client disconnected")
			conn.CloseNow()
			return
		case <-c.kicked:
			log.Warn("feed client dropped", "reason", c.reason)
			conn.Close(c.reason, reasonText(c.reason))
			return
		case data := <-c.send:
			if err := h.write(ctx, conn, data); err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					log.Warn("feed write failed", "err", err)
				}
				conn.CloseNow()
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func reasonText(code websocket.StatusCode) string {
	if code == websocket.StatusPolicyViolation {
		return "client too slow"
	}
	return "feed closed"
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.metrics.FeedClients.Add(context.Background(), 1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.metrics.FeedClients.Add(context.Background(), -1)
	}
}

// Publish queues e for every client. Clients with a full queue are dropped.
func (h *Hub) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("feed: encode event", "type", e.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.kick(websocket.StatusPolicyViolation)
		}
	}
}

// Close disconnects every client and rejects new ones. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		c.kick(websocket.StatusGoingAway)
	}
}

func (h *Hub) StateChanged(tr conversation.Transition) { h.Publish(StateEvent(tr)) }
func (h *Hub) Tick(t conversation.Tick)                { h.Publish(TickEvent(t)) }
func (h *Hub) SpeechStart(e listen.SpeechEvent)        { h.Publish(SpeechStartEvent(e)) }
func (h *Hub) SpeechEnd(e listen.SpeechEvent)          { h.Publish(SpeechEndEvent(e)) }
func (h *Hub) SpeechDiscard(e listen.SpeechEvent)      { h.Publish(SpeechDiscardEvent(e)) }
func (h *Hub) Interrupt(e listen.InterruptEvent)       { h.Publish(InterruptEvent(e)) }
func (h *Hub) Wake(m wake.Match)                       { h.Publish(WakeEvent(m)) }
func (h *Hub) Error(e session.ErrorEntry)              { h.Publish(ErrorEvent(e)) }

func (h *Hub) Volume(kind listen.Kind, e listen.VolumeEvent) {
	h.Publish(VolumeEvent(kind, e))
}
