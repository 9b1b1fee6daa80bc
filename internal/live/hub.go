package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	clientSendBuffer = 64
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 45 * time.Second
)

// Feed is satisfied by store.Redis.
type Feed interface {
	PSubscribe(ctx context.Context, pattern string) *redis.PubSub
}

// Hub serves the one-way server→client websocket endpoint. Clients subscribe
// to the global position/status/alert feeds or to one vehicle's channel;
// messages arrive over the Redis pub/sub bridge from the broadcaster. Slow
// clients get messages dropped, not the pipeline blocked.
type Hub struct {
	feed     Feed
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn     *websocket.Conn
	channels map[string]struct{}
	send     chan []byte
	once     sync.Once
}

func NewHub(feed Feed, logger zerolog.Logger) *Hub {
	return &Hub{
		feed:   feed,
		logger: logger.With().Str("component", "livehub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run bridges the Redis live channels into connected clients until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.feed.PSubscribe(ctx, "live:*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg, ok := <-ch:
			if !ok {
				h.closeAll()
				return
			}
			h.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// HandleWS upgrades the connection. `?vehicle_id=X` scopes the client to one
// vehicle's channel plus alerts; otherwise it receives the global feeds.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	channels := map[string]struct{}{ChannelAlerts: {}}
	if vehicleID := r.URL.Query().Get("vehicle_id"); vehicleID != "" {
		channels[VehicleChannel(vehicleID)] = struct{}{}
	} else {
		channels[ChannelPositions] = struct{}{}
		channels[ChannelStatus] = struct{}{}
	}

	c := &client{
		conn:     conn,
		channels: channels,
		send:     make(chan []byte, clientSendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// dispatch fans one live message out to every client subscribed to its
// channel; a full send buffer drops the message for that client.
func (h *Hub) dispatch(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if _, ok := c.channels[channel]; !ok {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Debug().Str("channel", channel).Msg("dropping message for slow client")
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

// readPump discards client frames; its job is detecting closes and keeping
// the pong deadline fresh.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.once.Do(func() {
			close(c.send)
			_ = c.conn.Close()
		})
	}
}

// ClientCount reports connected clients, for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
