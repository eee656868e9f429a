package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/auth"
	"github.com/tradesafe/tradesafe/internal/escrow"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up participant dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/dispute", h.Open)
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/respond", h.Respond)
}

// RegisterAdminRoutes sets up the resolution routes, which require the
// admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/queue", h.Queue)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// OpenRequest contains the reason for raising a dispute.
type OpenRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Open handles POST /v1/transactions/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.manager.Open(c.Request.Context(), c.Param("id"), auth.AuthenticatedUser(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// List handles GET /v1/disputes
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.manager.ListByUser(c.Request.Context(), auth.AuthenticatedUser(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !d.IsParticipant(auth.AuthenticatedUser(c)) {
		key, ok := auth.GetAPIKey(c)
		if !ok || !key.IsAdmin() {
			respondError(c, ErrForbidden)
			return
		}
	}
	c.JSON(http.StatusOK, d)
}

// RespondRequest contains a dispute conversation message.
type RespondRequest struct {
	Content string `json:"content" binding:"required"`
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.manager.Respond(c.Request.Context(), c.Param("id"), auth.AuthenticatedUser(c), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Queue handles GET /v1/admin/disputes/queue
func (h *Handler) Queue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.manager.ListUnresolved(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ResolveRequest selects the outcome for a dispute.
type ResolveRequest struct {
	Outcome    string `json:"outcome" binding:"required"`
	Resolution string `json:"resolution"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), auth.AuthenticatedUser(c), req.Outcome, req.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
	case errors.Is(err, ErrForbidden), errors.Is(err, escrow.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not allowed to perform this action",
		})
	case errors.Is(err, ErrAlreadyDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_disputed",
			"message": "Transaction already has an open dispute",
		})
	case errors.Is(err, ErrResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Dispute already resolved",
		})
	case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrEmptyReason), errors.Is(err, ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
