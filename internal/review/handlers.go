package review

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peerswap/tradecore/internal/auth"
	"github.com/peerswap/tradecore/internal/trade"
	"github.com/peerswap/tradecore/internal/validation"
)

// Handler provides HTTP endpoints for the review subsystem.
type Handler struct {
	service *Service
}

// NewHandler creates a new review handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated review routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/review", h.Submit)
	r.GET("/users/:id/reviews", h.List)
	r.GET("/users/:id/reviews/summary", h.Summary)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyReviewed):
		status = http.StatusConflict
		code = "already_reviewed"
	case errors.Is(err, ErrTradeNotEligible):
		status = http.StatusConflict
		code = "not_eligible"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// Submit handles POST /trades/:id/review.
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.ValidRating("rating", req.Rating),
		validation.MaxLength("comment", req.Comment, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	req.Comment = validation.SanitizeString(req.Comment, 2000)

	actor := trade.Actor{
		ID:    c.GetString(auth.ContextKeyUserID),
		Admin: c.GetBool(auth.ContextKeyIsAdmin),
	}

	r, err := h.service.Submit(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// List handles GET /users/:id/reviews.
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	reviews, err := h.service.ListFor(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

// Summary handles GET /users/:id/reviews/summary.
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.SummaryFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
