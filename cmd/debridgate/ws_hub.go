package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lkozma/debridgate/observability"
	"github.com/lkozma/debridgate/scheduler"
)

const (
	maxWSConnections = 100
	wsWriteTimeout   = 5 * time.Second
)

// statsHub pushes per-service scheduler stats to websocket clients once per
// second. Single broadcaster pattern: one ticker, fan out to all clients.
type statsHub struct {
	sched      *scheduler.Scheduler
	log        *zap.Logger
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	upgrader   websocket.Upgrader
}

type statsFrame struct {
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"timestamp"`
	Services  map[string]scheduler.Stats `json:"services"`
}

func newStatsHub(sched *scheduler.Scheduler, log *zap.Logger) *statsHub {
	return &statsHub{
		sched:      sched,
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// run owns the client set; register/unregister/broadcast all happen on this
// goroutine so no lock is needed around the map.
func (h *statsHub) run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			if len(h.clients) >= maxWSConnections {
				conn.Close()
				h.log.Warn("websocket connection rejected: hub full",
					zap.Int("max", maxWSConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			observability.WSClients.Set(float64(len(h.clients)))
			h.log.Debug("websocket client registered", zap.Int("total", len(h.clients)))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			observability.WSClients.Set(float64(len(h.clients)))

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *statsHub) broadcast() {
	if len(h.clients) == 0 {
		return
	}
	frame := statsFrame{
		Type:      "stats",
		Timestamp: time.Now(),
		Services:  h.sched.AllStats(),
	}
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
		if err := conn.WriteJSON(frame); err != nil {
			delete(h.clients, conn)
			conn.Close()
			observability.WSClients.Set(float64(len(h.clients)))
		}
	}
}

func (h *statsHub) shutdown() {
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	observability.WSClients.Set(0)
}

// handleWS upgrades the connection and parks a reader that only exists to
// notice the peer going away.
func (h *statsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register <- conn

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
