package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tuzkov/snapcam/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// inbound is what the page sends back.
type inbound struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Granted bool   `json:"granted"`
	Degrees int    `json:"degrees"`
}

// hub keeps one websocket per open page and fans events out to all of them.
type hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	onJoin    func(c *client, count int)
	onLeave   func(count int)
	onMessage func(msg inbound)

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:     log.With("svc", "hub"),
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit implements service.Events.
func (h *hub) Emit(ev service.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("fail to marshal event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// too slow, drop it
			h.log.Warn("dropping slow client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *hub) sendTo(c *client, ev service.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("fail to marshal event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn("fail to upgrade", "err", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("Client connected", "clients", count)

	if h.onJoin != nil {
		h.onJoin(c, count)
	}

	go c.writePump()
	c.readPump()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("Client disconnected", "clients", count)
	if h.onLeave != nil {
		h.onLeave(count)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("read error", "err", err)
			}
			return
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(msg)
		}
	}
}

// the only goroutine writing to conn
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
