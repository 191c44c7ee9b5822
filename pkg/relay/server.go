package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is a development relay: it verifies envelopes, keeps a bounded
// history and fans events out to websocket subscribers whose filters match.
type Server struct {
	hub    *Hub
	Logger *zap.SugaredLogger

	mu         sync.RWMutex
	history    []memEvent
	seen       map[string]struct{}
	maxHistory int
}

func NewServer(maxHistory int) *Server {
	if maxHistory <= 0 {
		maxHistory = 10_000
	}
	return &Server{
		hub:        NewHub(),
		seen:       make(map[string]struct{}),
		maxHistory: maxHistory,
	}
}

func (s *Server) log() *zap.SugaredLogger { return util.OrNop(s.Logger) }

// Run drives the hub until ctx ends.
func (s *Server) Run(ctx context.Context) { s.hub.Run(ctx) }

// Hub maintains active relay connections
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			// closing the sockets ends both pumps of every client
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.conn.Close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

// broadcast queues env to every subscription whose filter matches it.
func (h *Hub) broadcast(env *protocol.Envelope, raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		for _, subID := range client.matching(env) {
			client.queue(encodeFrame(frameEvent, subID, json.RawMessage(raw)))
		}
	}
}

// Client represents one relay connection
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	id     string

	subscriptions map[string]protocol.Filter
	subsMu        sync.RWMutex
}

func (c *Client) matching(env *protocol.Envelope) []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	var out []string
	for id, f := range c.subscriptions {
		if f.Match(env) {
			out = append(out, id)
		}
	}
	return out
}

// queue never blocks; a client that cannot keep up loses frames.
func (c *Client) queue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.server.log().Warnw("relay_client_slow", "client", c.id)
	}
}

func (s *Server) handleEvent(c *Client, raw json.RawMessage) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.queue(encodeFrame(frameOK, envelopeID(raw), false, "invalid: "+err.Error()))
		return
	}

	s.mu.Lock()
	_, dup := s.seen[env.ID]
	if !dup {
		s.seen[env.ID] = struct{}{}
		s.history = append(s.history, memEvent{raw: raw, env: env})
		if len(s.history) > s.maxHistory {
			for _, old := range s.history[:len(s.history)-s.maxHistory] {
				delete(s.seen, old.env.ID)
			}
			s.history = s.history[len(s.history)-s.maxHistory:]
		}
	}
	s.mu.Unlock()

	if dup {
		c.queue(encodeFrame(frameOK, env.ID, true, "duplicate"))
		return
	}
	c.queue(encodeFrame(frameOK, env.ID, true, ""))
	s.hub.broadcast(env, raw)
}

func (s *Server) handleReq(c *Client, subID string, f protocol.Filter) {
	// register before replaying so nothing published meanwhile is missed
	c.subsMu.Lock()
	c.subscriptions[subID] = f
	c.subsMu.Unlock()

	s.mu.RLock()
	for _, ev := range s.history {
		if f.Match(ev.env) {
			c.queue(encodeFrame(frameEvent, subID, json.RawMessage(ev.raw)))
		}
	}
	s.mu.RUnlock()
	c.queue(encodeFrame(frameEOSE, subID))
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.hub.unregister <- c:
		case <-c.server.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log().Debugw("relay_read_error", "client", c.id, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		typ, args, err := decodeFrame(message)
		if err != nil {
			c.queue(encodeFrame(frameNotice, err.Error()))
			continue
		}

		switch typ {
		case frameEvent:
			if len(args) < 1 {
				continue
			}
			c.server.handleEvent(c, args[0])
		case frameReq:
			var subID string
			var f protocol.Filter
			if len(args) < 1 || json.Unmarshal(args[0], &subID) != nil {
				c.queue(encodeFrame(frameNotice, "REQ without subscription id"))
				continue
			}
			if len(args) > 1 {
				if err := json.Unmarshal(args[1], &f); err != nil {
					c.queue(encodeFrame(frameNotice, "invalid filter: "+err.Error()))
					continue
				}
			}
			c.server.handleReq(c, subID, f)
		case frameClose:
			var subID string
			if len(args) > 0 && json.Unmarshal(args[0], &subID) == nil {
				c.subsMu.Lock()
				delete(c.subscriptions, subID)
				c.subsMu.Unlock()
			}
		default:
			c.queue(encodeFrame(frameNotice, "unknown frame "+typ))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warnw("relay_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		server:        s,
		conn:          conn,
		send:          make(chan []byte, 512),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]protocol.Filter),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Len reports how many events the relay currently holds.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}
