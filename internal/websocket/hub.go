package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/streamweave/backend/internal/cache"
	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("websocket")

type outbound struct {
	sessionID uuid.UUID
	data      []byte
}

// Hub maintains the set of active clients and pushes lifecycle events to
// the clients watching the event's session.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound events
	broadcast chan outbound

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Redis client for pub/sub; nil runs single-instance
	redis *cache.RedisClient

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		redis:      redis,
		done:       make(chan struct{}),
	}
}

// join registers c, reporting false once the hub has stopped
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run starts the hub. With Redis configured events arrive through the
// shared pub/sub channel, so every instance sees them; otherwise local
// events are delivered directly.
func (h *Hub) Run(ctx context.Context, local <-chan models.Event) {
	defer close(h.done)
	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	} else if local != nil {
		go h.forwardLocal(ctx, local)
	}

	for {
		select {
		case <-ctx.Done():
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
			h.mu.Unlock()
			log.Debugw("client registered", "identity", client.identity)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Debugw("client unregistered", "identity", client.identity)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.watching(msg.sessionID) {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) forwardLocal(ctx context.Context, in <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if err := h.SendToSession(e); err != nil {
				log.Warnw("encode event", "event", e.Type, "err", err)
			}
		}
	}
}

// subscribeToRedis relays the shared events channel to local clients
func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.SubscribeToEvents(ctx)
	defer pubsub.Close()

	msgChan := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			var head struct {
				SessionID uuid.UUID `json:"session_id"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &head); err != nil {
				log.Warnw("malformed event on events channel", "err", err)
				continue
			}
			h.enqueue(outbound{sessionID: head.SessionID, data: []byte(msg.Payload)})
		}
	}
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		log.Warnw("hub backlog full, dropping event", "session", msg.sessionID)
	}
}

// SendToSession queues an event for the clients watching its session
func (h *Hub) SendToSession(e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.enqueue(outbound{sessionID: e.SessionID, data: data})
	return nil
}

// ConnectedClients returns the number of connected clients
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
