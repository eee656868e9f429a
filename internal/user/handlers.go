package user

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/auth"
)

// Handler provides HTTP endpoints for accounts
type Handler struct {
	svc *Service
}

// NewHandler creates a new user handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRequest is the signup payload
type RegisterRequest struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name"`
}

// Register creates an account and returns the API key (shown once).
// POST /v1/users
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}

	result, err := h.svc.Register(c.Request.Context(), req.Email, req.Name, auth.RoleUser)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidEmail):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_email",
				"message": "A valid email address is required",
			})
		case errors.Is(err, ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "email_taken",
				"message": "An account with this email already exists",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "registration_failed",
				"message": "Failed to create account",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    result.User,
		"apiKey":  result.APIKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Me returns the authenticated user's account.
// GET /v1/users/me
func (h *Handler) Me(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	u, err := h.svc.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account not found",
		})
		return
	}

	c.JSON(http.StatusOK, u)
}

// Get returns a user's public profile.
// GET /v1/users/:id
func (h *Handler) Get(c *gin.Context) {
	u, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}

	c.JSON(http.StatusOK, u.Profile())
}

// UpdateRequest changes profile fields
type UpdateRequest struct {
	Name string `json:"name" binding:"required"`
}

// Update changes the authenticated user's display name.
// PATCH /v1/users/me
func (h *Handler) Update(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name is required",
		})
		return
	}

	u, err := h.svc.UpdateName(c.Request.Context(), userID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to update account",
		})
		return
	}

	c.JSON(http.StatusOK, u)
}

// Delete removes the authenticated user's account. Blocked while the
// user has open transactions.
// DELETE /v1/users/me
func (h *Handler) Delete(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	if err := h.svc.Delete(c.Request.Context(), userID); err != nil {
		if errors.Is(err, ErrHasOpenActivity) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "open_transactions",
				"message": "Close or complete your transactions before deleting the account",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}
