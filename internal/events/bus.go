// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second
	maxFailures   = 10

	pingPeriod = 20 * time.Second
	pongWait   = 20 * time.Second

	stopTimeout = 5 * time.Second
)

// Handler receives one event. Handlers run sequentially on the
// endpoint's read goroutine; a panic in one handler does not affect
// the others.
type Handler func(Event)

// Bus subscribes to the controller's event WebSocket endpoints and
// dispatches tagged events to registered handlers. Each endpoint gets
// its own goroutine with exponential-backoff reconnects.
type Bus struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *logging.Logger

	mu       sync.Mutex
	handlers map[Type][]Handler
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewBus builds a bus for the given ws:// or wss:// base URL.
func NewBus(baseURL string, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{
		baseURL:  strings.TrimRight(baseURL, "/"),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.WithComponent("event-bus"),
		handlers: map[Type][]Handler{},
	}
}

// RegisterHandler adds a callback for one event type. Registration
// after Start is safe.
func (b *Bus) RegisterHandler(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Start connects to the endpoints for the given types, or to all known
// endpoints when none are named. Calling Start twice is a no-op.
func (b *Bus) Start(types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	if len(types) == 0 {
		types = SubscribedTypes()
	}
	for _, t := range types {
		path, ok := Endpoints[t]
		if !ok {
			b.logger.Warn("no endpoint for event type", "type", string(t))
			continue
		}
		b.wg.Add(1)
		go b.runEndpoint(ctx, t, b.baseURL+path)
	}
}

// Stop tears down all endpoint goroutines, waiting up to five seconds
// for them to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		b.logger.Warn("event bus stop timed out")
	}
}

func (b *Bus) runEndpoint(ctx context.Context, t Type, url string) {
	defer b.wg.Done()

	log := b.logger.With("type", string(t), "url", url)
	delay := reconnectBase
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := b.dialer.DialContext(ctx, url, nil)
		if err != nil {
			failures++
			if failures >= maxFailures {
				log.Error("giving up on endpoint", "failures", failures, "error", err)
				return
			}
			log.Warn("connect failed, retrying", "attempt", failures, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}

		log.Info("subscribed")
		failures = 0
		delay = reconnectBase

		err = b.readLoop(ctx, t, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn("connection lost, reconnecting", "error", err)
	}
}

// readLoop pumps frames until the connection drops or ctx is done.
// Liveness is enforced with a ping every pingPeriod and a read deadline
// refreshed on every pong.
func (b *Bus) readLoop(ctx context.Context, t Type, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.dispatch(t, payload)
	}
}

func (b *Bus) dispatch(endpoint Type, payload []byte) {
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		b.logger.Warn("dropping malformed frame", "type", string(endpoint), "error", err)
		return
	}

	ev := Event{Type: endpoint, Raw: frame}
	if s, ok := frame["event"].(string); ok && s != "" {
		ev.Type = Type(s)
	}
	if s, ok := frame["timestamp"].(string); ok {
		ev.Timestamp = s
	} else {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if d, ok := frame["data"].(map[string]any); ok {
		ev.Data = d
	} else {
		ev.Data = map[string]any{}
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	h(ev)
}
