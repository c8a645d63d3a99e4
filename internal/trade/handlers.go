package trade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peerswap/tradecore/internal/auth"
	"github.com/peerswap/tradecore/internal/pagination"
	"github.com/peerswap/tradecore/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/messages", h.ListMessages)
	r.GET("/trades/:id/disputes", h.ListDisputes)
	r.POST("/trades/:id/cancel", h.CancelTrade)
	r.POST("/trades/:id/pay", h.MarkPaid)
	r.POST("/trades/:id/dispute", h.OpenDispute)
	r.POST("/trades/:id/dispute/cancel", h.CancelDispute)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/refund", h.Refund)
	r.POST("/trades/:id/reply", h.Reply)
}

// RegisterAdminRoutes sets up arbitration and operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/review", h.AdminStartReview)
	r.POST("/trades/:id/resolve", h.AdminResolve)
	r.POST("/trades/:id/close", h.AdminClose)
	r.POST("/trades/:id/cancel", h.AdminCancel)
	r.POST("/trades/:id/complete", h.AdminComplete)
	r.GET("/settlements", h.ListUnsettled)
}

func actorFrom(c *gin.Context) Actor {
	return Actor{
		ID:    c.GetString(auth.ContextKeyUserID),
		Admin: c.GetBool(auth.ContextKeyIsAdmin),
	}
}

// commandRequest is the shared body for version-guarded commands.
type commandRequest struct {
	Version int64 `json:"version"`
}

// writeError maps domain errors to structured HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, ErrDisputeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDisputeOpen):
		status = http.StatusConflict
		code = "invalid_transition"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "offerId, buyerId, sellerId, amount, and currency are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	actor := actorFrom(c)
	if !actor.Admin && actor.ID != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the buyer can open a trade against an offer",
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "trade_failed",
			"message": "Failed to create trade",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	actor := actorFrom(c)
	if !actor.Admin && t.RoleOf(actor.ID) == RoleNone {
		writeError(c, ErrUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/trades?cursor=...&limit=N for the authenticated user.
func (h *Handler) ListTrades(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	limit := parseLimit(c, 50, 200)
	trades, next, err := h.service.ListByParty(c.Request.Context(), actorFrom(c).ID, cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"trades": trades, "count": len(trades)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ListMessages handles GET /v1/trades/:id/messages?after_seq=N
func (h *Handler) ListMessages(c *gin.Context) {
	id := c.Param("id")
	t, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	actor := actorFrom(c)
	if !actor.Admin && t.RoleOf(actor.ID) == RoleNone {
		writeError(c, ErrUnauthorized)
		return
	}

	var afterSeq int64
	if v := c.Query("after_seq"); v != "" {
		afterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	msgs, err := h.service.Messages(c.Request.Context(), id, afterSeq, parseLimit(c, 200, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// ListDisputes handles GET /v1/trades/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	id := c.Param("id")
	t, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	actor := actorFrom(c)
	if !actor.Admin && t.RoleOf(actor.ID) == RoleNone {
		writeError(c, ErrUnauthorized)
		return
	}

	disputes, err := h.service.Disputes(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// CancelTrade handles POST /v1/trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// MarkPaid handles POST /v1/trades/:id/pay
func (h *Handler) MarkPaid(c *gin.Context) {
	var req struct {
		commandRequest
		TxHash string `json:"txHash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidTxHash("txHash", req.TxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	t, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), actorFrom(c), req.TxHash, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		commandRequest
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	t, d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t, "dispute": d})
}

// CancelDispute handles POST /v1/trades/:id/dispute/cancel
func (h *Handler) CancelDispute(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.CancelDispute(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Release(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Refund handles POST /v1/trades/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Refund(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Reply handles POST /v1/trades/:id/reply
func (h *Handler) Reply(c *gin.Context) {
	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "text is required",
		})
		return
	}

	m, err := h.service.Reply(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// AdminStartReview handles POST /v1/admin/trades/:id/review
func (h *Handler) AdminStartReview(c *gin.Context) {
	d, err := h.service.AdminStartReview(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AdminResolve handles POST /v1/admin/trades/:id/resolve
func (h *Handler) AdminResolve(c *gin.Context) {
	var req struct {
		commandRequest
		Outcome    string `json:"outcome" binding:"required"`
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome (release or refund) and resolution are required",
		})
		return
	}

	t, err := h.service.AdminResolve(c.Request.Context(), c.Param("id"), actorFrom(c),
		ResolutionOutcome(req.Outcome), req.Resolution, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// AdminClose handles POST /v1/admin/trades/:id/close
func (h *Handler) AdminClose(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.AdminClose(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// AdminCancel handles POST /v1/admin/trades/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.AdminCancel(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// AdminComplete handles POST /v1/admin/trades/:id/complete
func (h *Handler) AdminComplete(c *gin.Context) {
	var req commandRequest
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.AdminComplete(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListUnsettled handles GET /v1/admin/settlements
func (h *Handler) ListUnsettled(c *gin.Context) {
	trades, err := h.service.ListUnsettled(c.Request.Context(), parseLimit(c, 100, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func parseLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}
