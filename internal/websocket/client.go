package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/streamweave/backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// subscriptions is the set of sessions a client follows. An empty set
// follows every session.
type subscriptions struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]struct{}
}

func (s *subscriptions) matches(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return true
	}
	_, ok := s.ids[id]
	return ok
}

func (s *subscriptions) add(id uuid.UUID) {
	s.mu.Lock()
	if s.ids == nil {
		s.ids = make(map[uuid.UUID]struct{})
	}
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *subscriptions) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Client is one event stream connection. Clients only receive; the frames
// they send change which sessions they follow.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity string
	since    time.Time
	subs     subscriptions
	limiter  *rate.Limiter
}

func NewClient(hub *Hub, conn *websocket.Conn, identity string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		identity: identity,
		since:    time.Now(),
		limiter:  rate.NewLimiter(rate.Limit(5), 20),
	}
}

func (c *Client) watching(sessionID uuid.UUID) bool { return c.subs.matches(sessionID) }
func (c *Client) subscribe(sessionID uuid.UUID)     { c.subs.add(sessionID) }
func (c *Client) unsubscribe(sessionID uuid.UUID)   { c.subs.remove(sessionID) }

// Start runs the connection's read and write loops. The client unregisters
// itself when the peer goes away.
func (c *Client) Start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.WSMessage
		err := c.conn.ReadJSON(&msg)
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
		)
		switch {
		case err == nil:
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
			c.sendError("Invalid message format")
			continue
		default:
			log.Debugw("event stream closed", "identity", c.identity, "connected_for", time.Since(c.since), "err", err)
			return
		}

		if !c.limiter.Allow() {
			c.sendError("rate_limited")
			continue
		}
		c.handle(msg)
	}
}

// writeLoop sends one frame per event and keeps the connection alive
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				kind = websocket.CloseMessage
			} else {
				kind, data = websocket.TextMessage, msg
			}
		case <-ping.C:
			kind = websocket.PingMessage
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, data); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

func (c *Client) handle(msg models.WSMessage) {
	switch msg.Event {
	case models.WSSubscribe, models.WSUnsubscribe:
		var req models.WSSubscribePayload
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionID == uuid.Nil {
			c.sendError("Invalid subscription payload")
			return
		}
		if msg.Event == models.WSSubscribe {
			c.subscribe(req.SessionID)
		} else {
			c.unsubscribe(req.SessionID)
		}
	default:
		c.sendError("Unknown event type")
	}
}

func (c *Client) sendError(message string) {
	payload, _ := json.Marshal(models.WSErrorPayload{Message: message})
	data, _ := json.Marshal(models.WSMessage{Event: models.WSError, Payload: payload})
	select {
	case c.send <- data:
	default:
	}
}
