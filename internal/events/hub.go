// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
)

const (
	hubQueueSize = 1024
	writeWait    = 5 * time.Second
)

// Hub fans events out to connected UI WebSocket clients. A single
// writer goroutine drains a buffered queue; a client whose write fails
// is dropped.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	started bool

	out  chan []byte
	quit chan struct{}
	wg   sync.WaitGroup

	clientGauge  prometheus.Gauge
	droppedTotal prometheus.Counter
}

// NewHub builds a hub and registers its metrics on reg. A nil reg
// skips registration.
func NewHub(logger *logging.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.WithComponent("ui-hub"),
		clients: map[*websocket.Conn]struct{}{},
		out:     make(chan []byte, hubQueueSize),
		quit:    make(chan struct{}),
		clientGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "icsguard_ui_clients",
			Help: "Connected UI WebSocket clients.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icsguard_ui_events_dropped_total",
			Help: "UI events dropped because the broadcast queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.clientGauge, h.droppedTotal)
	}
	return h
}

// Start launches the writer goroutine. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.wg.Add(1)
	go h.writer()
}

// Stop closes all clients and joins the writer.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.mu.Unlock()

	close(h.quit)
	h.wg.Wait()

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = map[*websocket.Conn]struct{}{}
	h.clientGauge.Set(0)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and keeps the connection registered
// until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ui upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.clientGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
	h.logger.Info("ui client connected", "remote", r.RemoteAddr)

	// Reader loop: discard inbound frames, detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// Broadcast queues one event for all clients. When the queue is full
// the event is dropped rather than blocking the producer.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", "type", string(ev.Type), "error", err)
		return
	}
	select {
	case h.out <- payload:
	default:
		h.droppedTotal.Inc()
		h.logger.Warn("ui broadcast queue full, dropping event", "type", string(ev.Type))
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) writer() {
	defer h.wg.Done()
	for {
		select {
		case payload := <-h.out:
			h.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.Unlock()

			for _, conn := range conns {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					h.drop(conn)
				}
			}
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	conn.Close()
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.clientGauge.Set(float64(len(h.clients)))
		h.mu.Unlock()
		h.logger.Info("ui client dropped")
		return
	}
	h.mu.Unlock()
}
