// Package ingest receives turn audio from the transport. Producers connect
// over a WebSocket and send JSON text frames: "chunk" messages carry base64
// PCM for a turn and "network" messages carry advisory network conditions.
// Conditions can also be posted to the HTTP endpoint served by
// [Server.ServeNetwork].
//
// Malformed messages are answered with an "error" message and the connection
// stays open; only transport failures end a connection.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/turnplay/internal/observe"
	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/adaptive"
)

// DefaultReadLimit bounds a single WebSocket message. A 64 KiB decoded chunk
// is about 87 KiB of base64 plus the envelope.
const DefaultReadLimit = 128 << 10

// writeTimeout bounds error replies so a stalled client cannot block reads.
const writeTimeout = 5 * time.Second

// Router accepts decoded chunks and network reports.
type Router interface {
	// Route hands one chunk to playback. A non-nil error means the chunk
	// was not played and is reported back to the producer.
	Route(ctx context.Context, chunk audio.Chunk) error

	// UpdateNetworkConditions merges a partial conditions report.
	UpdateNetworkConditions(n adaptive.NetworkConditions)
}

// Option configures a [Server].
type Option func(*Server)

// WithReadLimit sets the maximum message size. Default: [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// WithMetrics records chunk and rejection counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server serves the ingest endpoints.
type Server struct {
	router         Router
	readLimit      int64
	originPatterns []string
	metrics        *observe.Metrics

	mu     sync.Mutex
	conns  map[*websocket.Conn]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a [Server] that forwards to router.
func NewServer(router Router, opts ...Option) *Server {
	s := &Server{
		router:    router,
		readLimit: DefaultReadLimit,
		conns:     make(map[*websocket.Conn]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the WebSocket route at wsPath and POST /network to mux.
func (s *Server) Register(mux *http.ServeMux, wsPath string) {
	mux.HandleFunc("GET "+wsPath, s.ServeWS)
	mux.HandleFunc("POST /network", s.ServeNetwork)
}

// ServeWS upgrades the request and reads messages until the client
// disconnects or the server is closed.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		log.Warn("ingest: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	// Close cancels ctx to end the read loop.
	ctx, cancel := context.WithCancel(r.Context())
	if !s.track(conn, cancel) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)
	defer cancel()

	log.Info("ingest: producer connected", "correlation_id", observe.CorrelationID(r.Context()))
	status, reason := s.readLoop(ctx, conn, log)
	conn.Close(status, reason)
	log.Info("ingest: producer disconnected", "status", status.String())
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return websocket.StatusGoingAway, "server shutting down"
			case websocket.CloseStatus(err) != -1:
				return websocket.StatusNormalClosure, ""
			case errors.Is(err, io.EOF):
				return websocket.StatusNormalClosure, ""
			default:
				log.Debug("ingest: read failed", "err", err)
				return websocket.StatusPolicyViolation, "read failed"
			}
		}
		if typ != websocket.MessageText {
			s.reply(ctx, conn, "", errors.New("binary messages are not supported"))
			continue
		}
		if err := s.handle(ctx, data); err != nil {
			turnID := turnOf(data)
			log.Debug("ingest: message rejected", "turn_id", turnID, "err", err)
			s.reply(ctx, conn, turnID, err)
		}
	}
}

func (s *Server) handle(ctx context.Context, data []byte) error {
	msg, err := decodeMessage(data)
	if err != nil {
		s.reject(ctx, "malformed")
		return err
	}
	switch msg.Type {
	case TypeNetwork:
		s.router.UpdateNetworkConditions(msg.Network.Conditions())
		return nil
	default:
		chunk, err := msg.Chunk()
		if err != nil {
			s.reject(ctx, "malformed")
			return err
		}
		return s.router.Route(ctx, chunk)
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, turnID string, err error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(ctx, conn, Message{Type: TypeError, TurnID: turnID, Error: err.Error()})
}

func (s *Server) reject(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.RecordRejectedChunk(ctx, reason)
	}
}

// ServeNetwork accepts a JSON [NetworkReport] and merges it into the
// router's conditions. It answers 204 on success.
func (s *Server) ServeNetwork(w http.ResponseWriter, r *http.Request) {
	var report NetworkReport
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&report); err != nil {
		http.Error(w, "invalid network report: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.router.UpdateNetworkConditions(report.Conditions())
	w.WriteHeader(http.StatusNoContent)
}

// Close ends every open connection and waits for their handlers to return.
// New connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.conns {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) track(conn *websocket.Conn, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = cancel
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// turnOf extracts the turn id for error replies, ignoring decode errors.
func turnOf(data []byte) string {
	var probe struct {
		TurnID string `json:"turn_id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.TurnID
}
