// Package egress streams played audio to WebSocket listeners.
//
// Every listener receives binary messages carrying exactly what the sink
// played (raw PCM for the channel sink, Opus packets for the Opus sink). A
// text message {"type":"turn","turn_id":...} precedes the first payload of
// each turn. Listeners that fall behind skip messages rather than slow
// playback down.
package egress

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/turnplay/internal/observe"
)

// DefaultClientQueue is the number of messages buffered per listener.
const DefaultClientQueue = 64

const writeTimeout = 5 * time.Second

// TurnMessage announces the turn of the payloads that follow it.
type TurnMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

type message struct {
	turnID string
	data   []byte
}

type client struct {
	send chan message
}

// Option configures a [Broadcaster].
type Option func(*Broadcaster)

// WithClientQueue sets the per-listener queue length.
func WithClientQueue(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queue = n
		}
	}
}

// WithOriginPatterns allows cross-origin listeners whose host matches one of
// patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Broadcaster) { b.originPatterns = append(b.originPatterns, patterns...) }
}

// WithMetrics records listener counts and drops on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster fans played audio out to every connected listener. It is safe
// for concurrent use.
type Broadcaster struct {
	queue          int
	originPatterns []string
	metrics        *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewBroadcaster creates an empty [Broadcaster].
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		queue:   DefaultClientQueue,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish queues data for every listener without blocking. data must not be
// modified afterwards.
func (b *Broadcaster) Publish(turnID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- message{turnID: turnID, data: data}:
		default:
			if b.metrics != nil {
				b.metrics.ListenerDrops.Add(context.Background(), 1)
			}
		}
	}
}

// Listeners returns the number of connected listeners.
func (b *Broadcaster) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeWS upgrades the request and streams audio until the listener leaves
// or the broadcaster is closed.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.originPatterns})
	if err != nil {
		log.Warn("egress: websocket accept failed", "err", err)
		return
	}

	c := &client{send: make(chan message, b.queue)}
	if !b.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer b.remove(c)

	// Listeners never send; CloseRead handles their control frames and
	// cancels ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())
	log.Info("egress: listener connected")

	status, reason := b.writeLoop(ctx, conn, c)
	conn.Close(status, reason)
	log.Info("egress: listener disconnected", "status", status.String())
}

func (b *Broadcaster) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) (websocket.StatusCode, string) {
	var lastTurn string
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""
		case <-b.done:
			return websocket.StatusGoingAway, "server shutting down"
		case m := <-c.send:
			if err := b.write(ctx, conn, m, &lastTurn); err != nil {
				if errors.Is(err, context.Canceled) {
					return websocket.StatusNormalClosure, ""
				}
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func (b *Broadcaster) write(ctx context.Context, conn *websocket.Conn, m message, lastTurn *string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if m.turnID != *lastTurn {
		if err := wsjson.Write(ctx, conn, TurnMessage{Type: "turn", TurnID: m.turnID}); err != nil {
			return err
		}
		*lastTurn = m.turnID
	}
	return conn.Write(ctx, websocket.MessageBinary, m.data)
}

func (b *Broadcaster) add(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = struct{}{}
	b.wg.Add(1)
	if b.metrics != nil {
		b.metrics.Listeners.Add(context.Background(), 1)
	}
	return true
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.Listeners.Add(context.Background(), -1)
	}
	b.wg.Done()
}

// Close disconnects every listener and waits for their handlers. Later
// connections are refused. Close is idempotent.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// Pump publishes everything received from src until src is closed or ctx is
// done. payload extracts the turn id and bytes of one item.
func Pump[T any](ctx context.Context, b *Broadcaster, src <-chan T, payload func(T) (string, []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-src:
			if !ok {
				return
			}
			b.Publish(payload(v))
		}
	}
}
