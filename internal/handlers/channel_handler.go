package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/streamweave/backend/internal/archive"
	"github.com/streamweave/backend/internal/auth"
	"github.com/streamweave/backend/internal/middleware"
	"github.com/streamweave/backend/internal/models"
	"github.com/streamweave/backend/internal/orchestrator"
	"github.com/streamweave/backend/internal/paych"
)

type ChannelHandler struct {
	orch     *orchestrator.Orchestrator
	payments *paych.Manager
	archive  *archive.Pipeline
}

func NewChannelHandler(orch *orchestrator.Orchestrator) *ChannelHandler {
	return &ChannelHandler{orch: orch, payments: orch.Payments(), archive: orch.Archive()}
}

// channel loads a channel visible to the caller: its viewer, its payee or
// an operator.
func (h *ChannelHandler) channel(c *gin.Context) (models.PaymentChannel, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return models.PaymentChannel{}, false
	}
	ch, err := h.payments.Channel(id)
	if err != nil {
		DomainError(c, err)
		return models.PaymentChannel{}, false
	}
	identity := c.GetString(middleware.IdentityKey)
	if identity != ch.ViewerID && identity != ch.PayeeID && c.GetString(middleware.RoleKey) != auth.RoleOperator {
		ErrorResponse(c, http.StatusForbidden, "Access denied")
		return models.PaymentChannel{}, false
	}
	return ch, true
}

func (h *ChannelHandler) GetChannel(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}

	vouchers, err := h.payments.Vouchers(ch.ID)
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "vouchers": vouchers})
}

// MeterChannel charges watch time by hand. Operators only.
func (h *ChannelHandler) MeterChannel(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}

	var req models.MeterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.payments.MeterWatchTime(ch.ID, req.ElapsedMinutes)
	if err != nil && v.Sequence != 0 {
		// the remaining funds were charged
		c.JSON(StatusFor(err), gin.H{"voucher": v, "error": err.Error()})
		return
	}
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// CloseChannel settles a channel. Closing an open channel of a running
// stream also removes its viewer. A channel left settling is reported with
// 202; reconciliation continues in the background.
func (h *ChannelHandler) CloseChannel(c *gin.Context) {
	ch, ok := h.channel(c)
	if !ok {
		return
	}

	closed, err := h.orch.CloseChannel(c.Request.Context(), ch.ID)
	if errors.Is(err, models.ErrReconciliation) {
		c.JSON(http.StatusAccepted, gin.H{"channel": closed, "error": err.Error()})
		return
	}
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

// Distribute splits an amount across recipients. Operators only.
func (h *ChannelHandler) Distribute(c *gin.Context) {
	var req models.DistributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.payments.DistributeRevenue(c.Request.Context(), req.SessionID, req.Total, req.Splits)
	if err != nil {
		DomainError(c, err)
		return
	}

	status := http.StatusCreated
	for _, t := range res.Transfers {
		if t.Failed() {
			status = http.StatusMultiStatus
		}
	}
	c.JSON(status, res)
}

// EstimateArchiveCost quotes storing size bytes for the retention period
func (h *ChannelHandler) EstimateArchiveCost(c *gin.Context) {
	size, err := strconv.ParseUint(c.Query("size"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "size must be a byte count")
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": size, "cost": h.archive.EstimateCost(size)})
}

func (h *ChannelHandler) GetDeal(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	d, err := h.archive.Deal(id)
	if err != nil {
		DomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
