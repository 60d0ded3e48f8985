// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package monitor broadcasts exchange metadata to WebSocket subscribers.
package monitor

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/context-proxy/pkg/plugin"
)

// Name identifies the plugin.
const Name = "monitor"

// Event types sent to subscribers.
const (
	EventExchangeStarted   = "exchange_started"
	EventExchangeCompleted = "exchange_completed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Event is one message on the feed.
type Event struct {
	Type     string         `json:"type"`
	Time     time.Time      `json:"time"`
	Exchange *plugin.Record `json:"exchange"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan *Event
}

// Hub is both the plugin and the WebSocket handler subscribers connect to.
// Slow subscribers miss events rather than delay exchanges.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	now      func() time.Time

	register   chan *client
	unregister chan *client
	broadcast  chan *Event
	stop       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New starts a hub. Close stops it and disconnects all subscribers.
func New() *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHostOrigin,
		},
		logger:     log.With().Str("component", Name).Logger(),
		now:        time.Now,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan *Event, sendBuffer),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
	go h.run()
	return h
}

// Name implements plugin.Plugin.
func (h *Hub) Name() string { return Name }

// OnRequest announces a new exchange.
func (h *Hub) OnRequest(_ context.Context, ex *plugin.Exchange) (*plugin.Reply, error) {
	h.publish(&Event{Type: EventExchangeStarted, Time: h.now(), Exchange: plugin.NewRecord(ex, time.Time{})})
	return nil, nil
}

// OnComplete announces the outcome of an exchange.
func (h *Hub) OnComplete(_ context.Context, ex *plugin.Exchange) {
	now := h.now()
	h.publish(&Event{Type: EventExchangeCompleted, Time: now, Exchange: plugin.NewRecord(ex, now)})
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and subscribes it to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stop:
		http.Error(w, "monitor closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan *Event, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.stop:
		_ = conn.Close()
		return
	}
	h.logger.Debug().Str("client_id", c.id).Str("remote", r.RemoteAddr).Msg("subscriber connected")

	go c.writePump()
	go c.readPump()
}

// Close disconnects all subscribers and stops the hub. It is safe to call
// more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.stop)
	})
	<-h.stopped
}

func (h *Hub) publish(ev *Event) {
	select {
	case h.broadcast <- ev:
	case <-h.stop:
	default:
		h.logger.Debug().Str("type", ev.Type).Msg("event dropped")
	}
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// readPump drains the connection so control frames are processed and a
// closed peer is noticed.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Str("client_id", c.id).Err(err).Msg("subscriber read failed")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sameHostOrigin accepts non-browser clients and browser pages served from
// the proxy itself.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
