package handlers

import (
	"net/http"

	"media-usage-tracker/internal/services"

	"github.com/gin-gonic/gin"
)

// EventsHandler is the webhook surface the external identity provider posts
// user-lifecycle events to. Routes carrying it are guarded by the shared
// service key middleware.
type EventsHandler struct {
	users *services.UserService
}

func NewEventsHandler(users *services.UserService) *EventsHandler {
	return &EventsHandler{users: users}
}

// UserCreated mirrors the identity provider's on-create trigger: it writes
// the user row and bumps userCount plus today's signups.
// @Summary Apply a user-created event
// @Tags events
// @Accept json
// @Produce json
// @Param request body UserCreatedRequest true "User data"
// @Success 201 {object} SuccessResponse
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/events/user-created [post]
func (h *EventsHandler) UserCreated(c *gin.Context) {
	var req UserCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	created, err := h.users.RecordSignup(c.Request.Context(), req.UID, req.Email, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to apply event"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, SuccessResponse{Message: "Event applied"})
}

// UserDeleted removes the user row and decrements userCount.
// @Summary Apply a user-deleted event
// @Tags events
// @Accept json
// @Produce json
// @Param request body UserRefRequest true "User reference"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/events/user-deleted [post]
func (h *EventsHandler) UserDeleted(c *gin.Context) {
	var req UserRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := h.users.RecordDeletion(c.Request.Context(), req.UID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to apply event"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Event applied"})
}

// UserLogin refreshes the user's lastLogin stamp.
// @Summary Apply a user-login event
// @Tags events
// @Accept json
// @Produce json
// @Param request body UserRefRequest true "User reference"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/events/user-login [post]
func (h *EventsHandler) UserLogin(c *gin.Context) {
	var req UserRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := h.users.RecordLogin(c.Request.Context(), req.UID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to apply event"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Event applied"})
}

// Request structures
type UserCreatedRequest struct {
	UID         string `json:"uid" binding:"required"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type UserRefRequest struct {
	UID string `json:"uid" binding:"required"`
}
