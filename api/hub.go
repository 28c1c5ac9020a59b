// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientQueue    = 64
)

// subscribeAll selects every device in a subscription message.
const subscribeAll = "all"

// subscription is a message sent by a client to filter the stream.
type subscription struct {
	Type     string `json:"type"` // "subscribe" or "unsubscribe"
	DeviceID string `json:"device_id"`
}

type wsClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	all     bool
	devices map[string]bool
}

func (c *wsClient) wants(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all || c.devices[deviceID]
}

func (c *wsClient) apply(sub subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Type {
	case "subscribe":
		if sub.DeviceID == subscribeAll {
			c.all = true
			return
		}
		if c.all {
			// The first explicit subscription narrows the default stream.
			c.all = false
			c.devices = make(map[string]bool)
		}
		c.devices[sub.DeviceID] = true
	case "unsubscribe":
		if sub.DeviceID == subscribeAll {
			c.all = false
			c.devices = make(map[string]bool)
			return
		}
		delete(c.devices, sub.DeviceID)
	}
}

// EventHub streams device events to WebSocket clients. New clients receive
// every event until they send a subscribe message naming a device.
type EventHub struct {
	upgrader websocket.Upgrader

	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewEventHub creates a hub. Cross-origin upgrades are accepted from
// allowedOrigins ("*" allows any); same-origin upgrades are always accepted.
func NewEventHub(allowedOrigins []string) *EventHub {
	h := &EventHub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowedOrigins)
		},
	}
	return h
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Run registers and removes clients until ctx ends, then disconnects all.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.Debug().Int("clients", total).Msg("Event stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logger.Debug().Int("clients", total).Msg("Event stream client disconnected")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle broadcasts a device event. It never blocks: a client whose queue
// is full misses the event.
func (h *EventHub) Handle(ev device.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		logger.Error().Err(err).Str("device_id", ev.DeviceID).Msg("Failed to marshal device event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(ev.DeviceID) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			logger.Warn().Str("device_id", ev.DeviceID).Msg("Event stream client queue full, dropping event")
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *EventHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, clientQueue),
		all:     true,
		devices: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-c.Request.Context().Done():
		_ = conn.Close()
		return
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription messages until the connection closes.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("Event stream read error")
			}
			return
		}

		var sub subscription
		if err := json.Unmarshal(message, &sub); err != nil || sub.DeviceID == "" {
			continue
		}
		c.apply(sub)
	}
}

// writePump delivers queued events and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
