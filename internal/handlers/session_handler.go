package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamweave/backend/internal/auth"
	"github.com/streamweave/backend/internal/middleware"
	"github.com/streamweave/backend/internal/models"
	"github.com/streamweave/backend/internal/orchestrator"
)

// SessionHistory looks up sessions no longer held in memory.
type SessionHistory interface {
	GetSession(id uuid.UUID) (*models.SessionRecord, error)
}

type SessionHandler struct {
	orch    *orchestrator.Orchestrator
	history SessionHistory
}

// NewSessionHandler builds the session routes. history may be nil.
func NewSessionHandler(orch *orchestrator.Orchestrator, history SessionHistory) *SessionHandler {
	return &SessionHandler{orch: orch, history: history}
}

// ownedSession loads a session and checks the caller owns it. Operators may
// act on any session.
func (h *SessionHandler) ownedSession(c *gin.Context) (models.StreamSession, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return models.StreamSession{}, false
	}
	s, err := h.orch.Sessions().Get(id)
	if err != nil {
		DomainError(c, err)
		return models.StreamSession{}, false
	}
	if s.OwnerID != c.GetString(middleware.IdentityKey) && c.GetString(middleware.RoleKey) != auth.RoleOperator {
		ErrorResponse(c, http.StatusForbidden, "only the owner can manage this session")
		return models.StreamSession{}, false
	}
	return s, true
}

// StartSession starts a stream owned by the caller
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req models.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	owner := c.GetString(middleware.IdentityKey)
	s, err := h.orch.StartStream(c.Request.Context(), owner, req.Title, req.Quality, req.Splits)
	if err != nil {
		if s.ID != uuid.Nil {
			c.JSON(StatusFor(err), gin.H{"error": err.Error(), "session": s})
			return
		}
		DomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, s)
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.orch.Sessions().ActiveSessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GetSession returns a live session with its stats, falling back to the
// journal for sessions that have ended.
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	s, err := h.orch.Sessions().Get(id)
	if err == nil {
		stats, _ := h.orch.Sessions().Stats(id)
		c.JSON(http.StatusOK, gin.H{"session": s, "stats": stats})
		return
	}
	if !errors.Is(err, models.ErrNotFound) || h.history == nil {
		DomainError(c, err)
		return
	}

	rec, herr := h.history.GetSession(id)
	if herr != nil {
		log.Warnw("journal lookup failed", "session", id, "err", herr)
	}
	if rec == nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": rec})
}

// JoinSession adds the caller as a viewer and opens their payment channel
func (h *SessionHandler) JoinSession(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	ch, count, err := h.orch.JoinViewer(c.Request.Context(), id, c.GetString(middleware.IdentityKey))
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "viewer_count": count})
}

// LeaveSession removes the caller and settles their channel
func (h *SessionHandler) LeaveSession(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	count, err := h.orch.LeaveViewer(c.Request.Context(), id, c.GetString(middleware.IdentityKey))
	if err != nil && !errors.Is(err, models.ErrReconciliation) {
		DomainError(c, err)
		return
	}
	resp := gin.H{"viewer_count": count}
	if err != nil {
		resp["settlement_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// IngestSegment appends a media segment to the live window
func (h *SessionHandler) IngestSegment(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}

	var req models.IngestSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	seg, err := h.orch.IngestSegment(s.ID, models.Segment{
		Sequence: req.Sequence,
		Payload:  req.Payload,
		Duration: time.Duration(req.DurationSeconds * float64(time.Second)),
	})
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, seg)
}

// EndSession ends the stream. Partial failures during archival or
// settlement are reported in the summary with a 200.
func (h *SessionHandler) EndSession(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}

	summary, err := h.orch.EndStream(c.Request.Context(), s.ID)
	if err != nil && summary.Session.SessionID == uuid.Nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Manifest serves the live window as an HLS media playlist
func (h *SessionHandler) Manifest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	playlist, err := h.orch.Sessions().RenderHLS(id)
	if err != nil {
		DomainError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(playlist))
}

func (h *SessionHandler) ArchiveStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	status, err := h.orch.Archive().Status(id)
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *SessionHandler) SetSplits(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}

	var req models.SplitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.orch.SetSplits(s.ID, req.Splits); err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "splits": req.Splits})
}
