package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/paper-engine/internal/metrics"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBacklog = 64
)

// subscriber is one websocket connection. An empty account receives every
// event; otherwise only that account's.
type subscriber struct {
	conn    *websocket.Conn
	account string
	send    chan []byte
}

func (s *subscriber) wants(accountID string) bool {
	return s.account == "" || s.account == accountID
}

type envelope struct {
	account string
	data    []byte
}

// Hub fans ledger events out to websocket subscribers. Each subscriber has
// its own writer goroutine; one that falls sendBacklog messages behind is
// disconnected instead of slowing the rest.
type Hub struct {
	subs       map[*subscriber]struct{}
	broadcast  chan envelope
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

// NewHub creates a hub. Run must be started before events flow.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[*subscriber]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is done, then drops every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws subscriber connected", "account_id", s.account, "total", total)

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case env := <-h.broadcast:
			h.mu.Lock()
			for s := range h.subs {
				if !s.wants(env.account) {
					continue
				}
				select {
				case s.send <- env.data:
				default:
					slog.Warn("ws subscriber too slow, disconnecting", "account_id", s.account)
					h.drop(s)
				}
			}
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// drop removes s and stops its writer. Caller holds h.mu.
func (h *Hub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues the event for delivery. It never blocks: when the queue is
// full the event is dropped for websocket subscribers.
func (h *Hub) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("ws event marshal failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{account: ev.AccountID, data: data}:
		metrics.EventsPublished.WithLabelValues("websocket", string(ev.Type)).Inc()
	default:
		slog.Warn("ws broadcast queue full, event dropped", "type", ev.Type, "account_id", ev.AccountID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws. The optional ?account= parameter limits
// the stream to one account's events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{
		conn:    conn,
		account: r.URL.Query().Get("account"),
		send:    make(chan []byte, sendBacklog),
	}

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns all writes to the connection. It exits, closing the
// connection, once the hub closes s.send.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
