package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/auth"
	"github.com/tradesafe/tradesafe/internal/gateway"
	"github.com/tradesafe/tradesafe/internal/wallet"
)

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Create)
	r.GET("/transactions", h.List)
	r.GET("/transactions/:id", h.Get)
	r.POST("/transactions/:id/pay", h.Pay)
	r.POST("/transactions/:id/fund", h.Fund)
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/cancel", h.Cancel)
}

// Create handles POST /v1/transactions
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), auth.AuthenticatedUser(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// List handles GET /v1/transactions
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, next, more, err := h.service.ListByUser(c.Request.Context(), auth.AuthenticatedUser(c), limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	resp := gin.H{"transactions": txns, "count": len(txns), "hasMore": more}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /v1/transactions/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !t.IsParty(auth.AuthenticatedUser(c)) {
		key, ok := auth.GetAPIKey(c)
		if !ok || !key.IsAdmin() {
			respondError(c, ErrForbidden)
			return
		}
	}
	c.JSON(http.StatusOK, t)
}

// Pay handles POST /v1/transactions/:id/pay. It starts a card payment
// for the escrow amount; the buyer completes it with the client secret
// and then calls fund with the charge id.
func (h *Handler) Pay(c *gin.Context) {
	charge, err := h.service.CreateCardCharge(c.Request.Context(), c.Param("id"), auth.AuthenticatedUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"chargeId":     charge.ID,
		"clientSecret": charge.ClientSecret,
	})
}

// FundRequest selects the payment method for funding an escrow.
type FundRequest struct {
	Method   string `json:"method" binding:"required"`
	ChargeID string `json:"chargeId"`
}

// Fund handles POST /v1/transactions/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor := auth.AuthenticatedUser(c)
	var t *Transaction
	var err error
	switch req.Method {
	case MethodCard:
		if req.ChargeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "chargeId is required for card funding",
			})
			return
		}
		t, err = h.service.FundCard(c.Request.Context(), c.Param("id"), actor, req.ChargeID)
	case MethodWallet:
		t, err = h.service.FundWallet(c.Request.Context(), c.Param("id"), actor)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "method must be card or wallet",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	t, err := h.service.Release(c.Request.Context(), c.Param("id"), auth.AuthenticatedUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.AuthenticatedUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// respondError maps state-machine errors to HTTP responses with stable
// error codes and actionable messages.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
	case errors.Is(err, ErrCounterpartyMissing):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "counterparty_not_found",
			"message": "No user with that email address",
		})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not allowed to perform this action",
		})
	case errors.Is(err, ErrAlreadyFunded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_funded",
			"message": "Escrow already funded",
		})
	case errors.Is(err, ErrChargeUsed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "charge_already_used",
			"message": "This charge has already funded a transaction",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Transaction changed while processing; reload and try again",
		})
	case errors.Is(err, ErrSameParty), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRole), errors.Is(err, ErrChargeMismatch), errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_funds",
			"message": "Insufficient wallet balance",
		})
	case errors.Is(err, gateway.ErrChargeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "charge_not_found",
			"message": "Payment charge not found",
		})
	case errors.Is(err, gateway.ErrChargeNotSucceeded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_incomplete",
			"message": "Payment has not completed yet",
		})
	case errors.Is(err, gateway.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment provider error, try again",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
