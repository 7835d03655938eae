// Package realtime is the pub/sub bus pushing round-engine events to
// browser clients over WebSocket. It owns a monotonically increasing
// sequence number, an in-memory ring of recent events for reconnect
// replay, and per-connection backpressure.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

// DefaultRingSize is the number of recent events kept for reconnect replay.
const DefaultRingSize = 1024

// DefaultOutboundQueue bounds the per-connection buffered send queue.
const DefaultOutboundQueue = 256

// Event is the versioned envelope every push carries.
type Event struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Data any    `json:"data,omitempty"`
}

// Hub fans out Events to registered clients and maintains the replay ring.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	seq     uint64
	ring    []Event
	ringPos int
	ringLen int
}

// New builds a Hub with the given ring capacity (DefaultRingSize if zero).
func New(log *zap.Logger, ringSize int) *Hub {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Hub{
		log:     log,
		clients: make(map[*Client]struct{}),
		ring:    make([]Event, ringSize),
	}
}

// Publish assigns the next seq to an event, appends it to the ring, and
// fans it out to every connected client. Events are emitted in the order
// the caller commits them — callers must serialize their own Publish
// calls (the engine's mailbox does this naturally).
func (h *Hub) Publish(eventType string, data any) Event {
	h.mu.Lock()
	h.seq++
	ev := Event{Type: eventType, Seq: h.seq, Data: data}
	h.ring[h.ringPos] = ev
	h.ringPos = (h.ringPos + 1) % len(h.ring)
	if h.ringLen < len(h.ring) {
		h.ringLen++
	}
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("realtime: marshal event", zap.String("type", eventType), zap.Error(err))
		return ev
	}
	for _, c := range clients {
		c.enqueue(payload)
	}
	return ev
}

// ReplaySince returns events with seq strictly greater than lastSeq, or
// ok=false if lastSeq is older than the ring can satisfy (caller must fall
// back to a state_snapshot).
func (h *Hub) ReplaySince(lastSeq uint64) (events []Event, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.ringLen == 0 {
		return nil, true
	}
	oldestSeq := h.seq - uint64(h.ringLen) + 1
	if lastSeq+1 < oldestSeq {
		return nil, false
	}

	start := (h.ringPos - h.ringLen + len(h.ring)) % len(h.ring)
	for i := 0; i < h.ringLen; i++ {
		ev := h.ring[(start+i)%len(h.ring)]
		if ev.Seq > lastSeq {
			events = append(events, ev)
		}
	}
	return events, true
}

// CurrentSeq returns the most recently assigned sequence number.
func (h *Hub) CurrentSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Register adds a client connection to the fan-out set.
func (h *Hub) Register(conn *websocket.Conn, player string) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		player:  player,
		outbox:  make(chan []byte, DefaultOutboundQueue),
		closeCh: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writeLoop()
	return c
}

// Unregister removes a client and stops its write loop.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.closeCh)
	}
	h.mu.Unlock()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client wraps one WebSocket connection with a bounded outbound queue;
// a client that can't keep up is disconnected rather than allowed to
// stall the broadcast.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	player  string
	outbox  chan []byte
	closeCh chan struct{}
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.outbox <- payload:
	default:
		c.hub.log.Warn("realtime: slow client, disconnecting", zap.String("player", c.player))
		c.hub.Unregister(c)
	}
}

func (c *Client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case <-c.closeCh:
			return
		case payload := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Debug("realtime: write error", zap.String("player", c.player), zap.Error(err))
				c.hub.Unregister(c)
				return
			}
		}
	}
}

// Player returns the player address this connection was registered with.
func (c *Client) Player() string { return c.player }
