package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/iago/history-synth/internal/domain"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSize = 64
)

type subscription struct {
	id      string
	ownerID string
	events  chan domain.CompletionSignal
}

// Hub fans completion signals out to live WebSocket subscribers. A subscriber whose
// buffer is full misses the signal rather than blocking the pipeline.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

func NewHub(logger zerolog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		subs: make(map[string]*subscription),
	}
}

// Subscribe registers a listener. An empty ownerID receives every signal.
func (h *Hub) Subscribe(ownerID string) (<-chan domain.CompletionSignal, func()) {
	sub := &subscription{
		id:      uuid.NewString(),
		ownerID: ownerID,
		events:  make(chan domain.CompletionSignal, subscriberSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.events)
		return sub.events, func() {}
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub.id]; ok {
				delete(h.subs, sub.id)
				close(sub.events)
			}
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Notify(_ context.Context, signal domain.CompletionSignal) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.ownerID != "" && sub.ownerID != signal.OwnerID {
			continue
		}
		select {
		case sub.events <- signal:
		default:
			h.logger.Warn().Str("subscriber", sub.id).Str("job_id", signal.JobID).Msg("subscriber buffer full, dropping signal")
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		close(sub.events)
		delete(h.subs, id)
	}
	return nil
}

// ServeHTTP upgrades the request and streams signals as JSON text frames. The
// optional owner_id query parameter narrows the stream to one owner.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	events, unsubscribe := h.Subscribe(r.URL.Query().Get("owner_id"))
	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, events, done)
	unsubscribe()
}

func (h *Hub) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, events <-chan domain.CompletionSignal, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case signal, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			message, err := json.Marshal(map[string]any{
				"type": "job_completed",
				"data": signal,
			})
			if err != nil {
				h.logger.Error().Err(err).Msg("marshal completion signal")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
