package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syn-research/screenguard/internal/metrics"
)

// Training progress message types
const (
	ProgressStarted   = "started"
	ProgressEpoch     = "progress"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
	ProgressHeartbeat = "heartbeat"
)

// ProgressMessage is one frame on the training progress stream. Loss fields
// are pointers so epochs without a validation split omit val_loss cleanly.
type ProgressMessage struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Epoch     int       `json:"epoch,omitempty"`
	Epochs    int       `json:"epochs,omitempty"`
	TrainLoss *float64  `json:"train_loss,omitempty"`
	ValLoss   *float64  `json:"val_loss,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// defaultOrigins are the development origins allowed when no explicit list
// is configured.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
}

// newUpgrader builds a websocket upgrader whose origin check honors the
// configured allow list. Semantics: requests without an Origin header are
// allowed (non-browser clients), "*" allows everything, otherwise the origin
// must match an entry case-insensitively.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// progressHub fans training progress out to all connected websocket clients.
type progressHub struct {
	mu      sync.Mutex
	clients map[chan ProgressMessage]struct{}
	closed  bool
}

func newProgressHub() *progressHub {
	return &progressHub{clients: make(map[chan ProgressMessage]struct{})}
}

// subscribe registers a client channel. The returned cancel func must be
// called when the client disconnects.
func (h *progressHub) subscribe() (chan ProgressMessage, func()) {
	ch := make(chan ProgressMessage, 64)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// broadcast delivers a message to every subscriber. Slow clients drop
// messages instead of blocking training.
func (h *progressHub) broadcast(msg ProgressMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// closeAll disconnects every subscriber during shutdown.
func (h *progressHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// handleTrainWS handles GET /api/v1/ml/train/ws, streaming per-epoch
// training progress to the client until it disconnects.
func (s *Server) handleTrainWS(w http.ResponseWriter, r *http.Request) {
	up := newUpgrader(s.config.Server.AllowedOrigins)
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	defer conn.Close()

	updates, cancel := s.hub.subscribe()
	defer cancel()

	// Drain client frames so pings and close frames are processed; the
	// stream is one-directional otherwise.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-done:
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if err := s.sendWS(conn, &msg); err != nil {
				return
			}
		case <-heartbeat.C:
			msg := ProgressMessage{Type: ProgressHeartbeat, Timestamp: time.Now()}
			if err := s.sendWS(conn, &msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendWS(conn *websocket.Conn, msg *ProgressMessage) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}
