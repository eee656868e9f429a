package notify

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/auth"
)

// Handler provides HTTP endpoints for notifications
type Handler struct {
	store Store
}

// NewHandler creates a new notification handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// List returns the authenticated user's notifications.
// Query params: unread=true, limit=N
func (h *Handler) List(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	unreadOnly := c.Query("unread") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	notifications, err := h.store.ListByUser(c.Request.Context(), userID, unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list notifications",
		})
		return
	}

	if notifications == nil {
		notifications = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// UnreadCount returns the number of unread notifications.
func (h *Handler) UnreadCount(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	count, err := h.store.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "count_failed",
			"message": "Failed to count notifications",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkRead marks a single notification as read.
func (h *Handler) MarkRead(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)
	id := c.Param("id")

	if err := h.store.MarkRead(c.Request.Context(), id, userID); err != nil {
		if err == ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Notification not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to mark notification read",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification marked read", "id": id})
}

// MarkAllRead marks every notification for the user as read.
func (h *Handler) MarkAllRead(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	if err := h.store.MarkAllRead(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to mark notifications read",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All notifications marked read"})
}
