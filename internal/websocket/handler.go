package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamweave/backend/internal/auth"
)

// originPolicy accepts exact origins and "*.domain" host suffixes. An empty
// policy accepts every origin.
type originPolicy struct {
	exact    map[string]bool
	suffixes []string
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{exact: make(map[string]bool)}
	for _, o := range allowed {
		if suffix, ok := strings.CutPrefix(o, "*"); ok && strings.HasPrefix(suffix, ".") {
			p.suffixes = append(p.suffixes, suffix)
			continue
		}
		p.exact[o] = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if len(p.exact) == 0 && len(p.suffixes) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	if p.exact[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, s := range p.suffixes {
		if strings.HasSuffix(u.Hostname(), s) {
			return true
		}
	}
	return false
}

// Handler upgrades authenticated requests into event streams
type Handler struct {
	hub      *Hub
	tokens   *auth.JWTService
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, tokens *auth.JWTService, allowedOrigins []string) *Handler {
	policy := newOriginPolicy(allowedOrigins)
	return &Handler{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return policy.allows(r.Header.Get("Origin"))
			},
		},
	}
}

// HandleWebSocket serves GET /ws?token=...&session=... . Browsers cannot set
// headers on the upgrade, so the token travels in the query. The optional
// session subscribes the stream to one session from the start.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	claims, err := h.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	var first uuid.UUID
	if raw := c.Query("session"); raw != "" {
		if first, err = uuid.Parse(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "identity", claims.Identity, "err", err)
		return
	}

	client := NewClient(h.hub, conn, claims.Identity)
	if first != uuid.Nil {
		client.subscribe(first)
	}
	if !h.hub.join(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	client.Start()
}

// Stats reports connected clients. With ?session= and Redis configured it
// also lists that session's viewers across every instance.
func (h *Handler) Stats(c *gin.Context) {
	resp := gin.H{"connected_clients": h.hub.ConnectedClients()}

	if raw := c.Query("session"); raw != "" && h.hub.redis != nil {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
			return
		}
		viewers, err := h.hub.redis.SessionViewers(c.Request.Context(), id)
		if err != nil {
			log.Warnw("presence lookup failed", "session", id, "err", err)
		} else {
			resp["session_viewers"] = viewers
		}
	}
	c.JSON(http.StatusOK, resp)
}
