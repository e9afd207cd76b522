package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/metrics"
	"github.com/raterudder/gmpusage/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12
)

// streamEnvelope is the message sent over the stream websocket.
type streamEnvelope struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type streamClient struct {
	send chan types.Metrics
	// closed when the server shuts down
	quit chan struct{}
}

// hub fans the metrics of every successful cycle out to the connected
// stream clients.
type hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{clients: map[*streamClient]struct{}{}}
}

func (h *hub) add() (*streamClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &streamClient{send: make(chan types.Metrics, 1), quit: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast hands m to every client. A client still busy with the previous
// update gets the newer one instead.
func (h *hub) broadcast(m types.Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- m:
			default:
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.quit)
		delete(h.clients, c)
	}
}

// OnUpdate pushes the metrics of a successful cycle to the stream clients.
// It is meant to be registered as a coordinator listener.
func (s *Server) OnUpdate(ctx context.Context, r types.PollingResult) {
	s.stream.broadcast(metrics.Compute(s.poller.AccountID(), r, true))
}

func (s *Server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{}
	if len(s.corsOrigins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.corsOrigins, "*") || slices.Contains(s.corsOrigins, origin)
		}
	}
	return u
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Ctx(ctx).WarnContext(ctx, "failed to upgrade stream", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	client, ok := s.stream.add()
	if !ok {
		return
	}
	defer s.stream.remove(client)

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "stream closed", slog.Any("error", err))
				return
			}
		}
	}()

	// the current metrics go out first so clients never wait a whole cycle
	if m, ok := s.currentMetrics(); ok {
		if err := writeStream(conn, streamEnvelope{Type: "metrics", Data: m}); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "failed to write initial metrics", slog.Any("error", err))
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-client.quit:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait),
			)
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "failed to ping stream", slog.Any("error", err))
				return
			}
		case m := <-client.send:
			if err := writeStream(conn, streamEnvelope{Type: "metrics", Data: m}); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "failed to write metrics", slog.Any("error", err))
				return
			}
		}
	}
}

func writeStream(conn *websocket.Conn, env streamEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
