package backendtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	room   string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type frameFor struct {
	room string
	data []byte
	skip *client
}

// Hub fans frames out to the sockets of one room.
type Hub struct {
	// Registered clients.
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan frameFor
	drop       chan struct{}
	quit       chan struct{}
	stopOnce   sync.Once

	countMu sync.Mutex
	counts  map[string]int

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan frameFor),
		drop:       make(chan struct{}),
		quit:       make(chan struct{}),
		counts:     make(map[string]int),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.adjust(c.room, 1)
		case c := <-h.unregister:
			h.remove(c)
		case f := <-h.broadcast:
			for c := range h.clients {
				if c.room != f.room || c == f.skip {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					h.remove(c)
				}
			}
		case <-h.drop:
			for c := range h.clients {
				// no close frame: the peer sees an abnormal closure
				c.conn.Close()
				h.remove(c)
			}
		case <-h.quit:
			for c := range h.clients {
				c.conn.Close()
				h.remove(c)
			}
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Publish wraps payload in the {type, payload} envelope and sends it to room.
func (h *Hub) Publish(room, eventType string, payload any) {
	data, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	if err != nil {
		h.logger.Error("publish_encode_failed", "error", err)
		return
	}
	select {
	case h.broadcast <- frameFor{room: room, data: data}:
	case <-h.quit:
	}
}

func (h *Hub) DropAll() {
	select {
	case h.drop <- struct{}{}:
	case <-h.quit:
	}
}

func (h *Hub) Count(room string) int {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.counts[room]
}

func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.adjust(c.room, -1)
}

func (h *Hub) adjust(room string, delta int) {
	h.countMu.Lock()
	h.counts[room] += delta
	h.countMu.Unlock()
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("roomId")
	if room == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "roomId required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade_failed", "error", err)
		return
	}
	c := &client{room: room, userID: userID(r), conn: conn, send: make(chan []byte, 64)}
	select {
	case s.hub.register <- c:
	case <-s.hub.quit:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(s.hub)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.quit:
		}
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.relay(h, data)
	}
}

type inbound struct {
	Type    string `json:"type"`
	Payload struct {
		IsTyping bool `json:"isTyping"`
	} `json:"payload"`
}

// relay forwards a client's TYPING frame to the rest of its room, stamped
// with the sender's identity. Other client frames are ignored.
func (c *client) relay(h *Hub, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Type != "TYPING" {
		return
	}
	out, err := json.Marshal(map[string]any{
		"type": "TYPING",
		"payload": map[string]any{
			"channelId": c.room,
			"userId":    c.userID,
			"isTyping":  in.Payload.IsTyping,
		},
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- frameFor{room: c.room, data: out, skip: c}:
	case <-h.quit:
	}
}

func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"))
}
