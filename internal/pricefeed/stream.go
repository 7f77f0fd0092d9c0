// WebSocket fanout for live price ticks and session-change events.
package pricefeed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokensim/simcore/internal/metrics"
)

// StreamMessage is a JSON message sent to WebSocket clients.
type StreamMessage struct {
	Type    string `json:"type"` // "price_tick" or "session_change"
	AssetID string `json:"asset_id,omitempty"`
	Range   string `json:"range,omitempty"`
	Price   string `json:"price,omitempty"`
	Time    string `json:"time,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Email   string `json:"email,omitempty"`
}

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = 30 * time.Second
)

// streamClient pairs a connection with its outbound queue. All writes go
// through the queue so a single goroutine owns the connection's write
// side.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StreamHub fans broadcast messages out to every connected client. The
// client set is owned by the Run goroutine alone; handlers talk to it
// only through channels.
type StreamHub struct {
	clients    map[*streamClient]struct{}
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	count      atomic.Int64
}

// NewStreamHub creates a hub. Call Run in a goroutine before use.
func NewStreamHub() *StreamHub {
	return &StreamHub{
		clients:    make(map[*streamClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
	}
}

// Run owns the client set. Must run in its own goroutine.
func (h *StreamHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Queue full: the client stopped draining, cut it
					// loose rather than stall the fanout.
					h.drop(c)
				}
			}
		}
	}
}

func (h *StreamHub) drop(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Clients reports the current number of connected clients.
func (h *StreamHub) Clients() int {
	return int(h.count.Load())
}

// Broadcast queues a message for every connected client. Dropped when
// the hub's buffer is full so tick loops never block here.
func (h *StreamHub) Broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *StreamHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

// writePump drains the client's queue and pings on an interval. It is
// the only writer on the connection; when the hub closes the queue the
// pump closes the connection, which in turn unblocks the read pump.
func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(streamPingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames, refreshing the read deadline on
// pongs. Any read error means the client is gone and triggers
// unregistration.
func (h *StreamHub) readPump(c *streamClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
