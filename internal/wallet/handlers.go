package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/auth"
	"github.com/tradesafe/tradesafe/internal/gateway"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/logging"
	"github.com/tradesafe/tradesafe/internal/money"
	"github.com/tradesafe/tradesafe/internal/notify"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	svc     *Service
	gw      gateway.PaymentGateway
	emitter *notify.Emitter
}

// NewHandler creates a new wallet handler
func NewHandler(svc *Service, gw gateway.PaymentGateway, emitter *notify.Emitter) *Handler {
	return &Handler{svc: svc, gw: gw, emitter: emitter}
}

// GetBalance returns the authenticated user's wallet balance.
// GET /v1/wallet
func (h *Handler) GetBalance(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	bal, err := h.svc.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to load balance",
		})
		return
	}

	c.JSON(http.StatusOK, bal)
}

// History returns the user's ledger entries, newest first.
// GET /v1/wallet/history?limit=50
func (h *Handler) History(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.svc.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to load history",
		})
		return
	}

	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositRequest starts a card deposit
type DepositRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency"`
}

// Deposit initiates a card charge to top up the wallet. The charge
// credits the wallet only after ConfirmDeposit verifies it succeeded.
// POST /v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal like '25.00'",
		})
		return
	}

	currency := money.NormalizeCurrency(req.Currency)
	if !money.ValidCurrency(currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "unsupported currency",
		})
		return
	}

	charge, err := h.gw.CreateCharge(c.Request.Context(), userID, amount, currency, gateway.PurposeDeposit)
	if err != nil {
		logging.L(c.Request.Context()).Error("deposit charge failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment processor unavailable",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"chargeId":     charge.ID,
		"clientSecret": charge.ClientSecret,
		"amount":       money.Format(amount),
		"currency":     currency,
	})
}

// ConfirmDepositRequest completes a deposit
type ConfirmDepositRequest struct {
	ChargeID string `json:"chargeId" binding:"required"`
}

// ConfirmDeposit verifies the charge succeeded and credits the wallet.
// Idempotent: confirming the same charge twice credits once.
// POST /v1/wallet/deposit/confirm
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	var req ConfirmDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chargeId is required",
		})
		return
	}

	charge, err := h.gw.ConfirmCharge(c.Request.Context(), req.ChargeID)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrChargeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "charge_not_found",
				"message": "Unknown charge",
			})
		case errors.Is(err, gateway.ErrChargeNotSucceeded):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "charge_incomplete",
				"message": "Payment has not been completed",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_error",
				"message": "Payment processor unavailable",
			})
		}
		return
	}

	// The charge must have been created by this user for a deposit. A
	// charge minted for escrow funding cannot also credit a wallet.
	if charge.UserID != userID || charge.Purpose != gateway.PurposeDeposit {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "charge_mismatch",
			"message": "Charge was not created for a deposit by this user",
		})
		return
	}

	err = h.svc.Deposit(c.Request.Context(), userID, charge.Amount, charge.ID)
	if err != nil && !errors.Is(err, ErrDuplicateDeposit) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_failed",
			"message": "Failed to credit wallet",
		})
		return
	}

	if err == nil {
		h.emitter.DepositCompleted(userID, money.Format(charge.Amount)+" "+charge.Currency)
	}

	bal, _ := h.svc.Balance(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{
		"message": "Deposit completed",
		"balance": bal,
	})
}

// WithdrawRequest starts a withdrawal
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Withdraw places a hold and queues a payout.
// POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal like '25.00'",
		})
		return
	}

	reference := idgen.WithPrefix("wdr_")
	if err := h.svc.Withdraw(c.Request.Context(), userID, amount, reference); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_funds",
				"message": "Withdrawal exceeds available balance",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "withdraw_failed",
			"message": "Failed to process withdrawal",
		})
		return
	}

	h.emitter.WithdrawalRequested(userID, money.Format(amount))

	c.JSON(http.StatusAccepted, gin.H{
		"message":   "Withdrawal requested",
		"reference": reference,
		"amount":    money.Format(amount),
	})
}

// FinalizeWithdrawalRequest settles a held withdrawal. Success payouts
// remove the held amount; failures return it to the wallet.
type FinalizeWithdrawalRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Success   *bool  `json:"success" binding:"required"`
}

// FinalizeWithdrawal handles POST /v1/admin/withdrawals/finalize.
// Payout settlement comes from an operator or a payout provider
// callback, so the route sits behind the admin guard.
func (h *Handler) FinalizeWithdrawal(c *gin.Context) {
	var req FinalizeWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId, amount, reference and success are required",
		})
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal like '25.00'",
		})
		return
	}

	err := h.svc.FinalizeWithdrawal(c.Request.Context(), req.UserID, amount, req.Reference, *req.Success)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) || errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "withdrawal_not_found",
				"message": "No pending withdrawal matches that user and amount",
			})
			return
		}
		logging.L(c.Request.Context()).Error("finalize withdrawal failed",
			"user_id", req.UserID, "reference", req.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "finalize_failed",
			"message": "Failed to finalize withdrawal",
		})
		return
	}

	status := "failed"
	if *req.Success {
		status = "completed"
	}
	c.JSON(http.StatusOK, gin.H{
		"reference": req.Reference,
		"status":    status,
	})
}
