package handlers

import (
	"net/http"
	"time"

	"media-usage-tracker/internal/services"

	"github.com/gin-gonic/gin"
)

type InstallHandler struct {
	installs *services.InstallService
}

func NewInstallHandler(installs *services.InstallService) *InstallHandler {
	return &InstallHandler{installs: installs}
}

// RegisterInstall handles the first-run (and any repeat) report from an
// installation.
// @Summary Register an installation
// @Description Create the durable install record; repeat calls only refresh last_active
// @Tags installs
// @Accept json
// @Produce json
// @Param request body InstallRequest true "Install data"
// @Success 201 {object} InstallResponse
// @Success 200 {object} InstallResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/installs [post]
func (h *InstallHandler) RegisterInstall(c *gin.Context) {
	var req InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	installID := req.InstallID
	if installID == "" {
		installID = services.NewInstallID()
	}

	created, err := h.installs.Register(c.Request.Context(), installID, req.Version, req.Platform, req.DeviceInfo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to register install"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, InstallResponse{
		InstallID: installID,
		Created:   created,
		Timestamp: time.Now(),
	})
}

// TouchInstall refreshes last_active for a session start.
// @Summary Record install activity
// @Tags installs
// @Produce json
// @Success 202 {object} SuccessResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/installs/{id}/activity [post]
func (h *InstallHandler) TouchInstall(c *gin.Context) {
	if err := h.installs.Touch(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to record activity"})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "Activity recorded"})
}

// LinkInstall associates the install with the authenticated principal.
// @Summary Link an installation to the signed-in user
// @Tags installs
// @Produce json
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/installs/{id}/link [post]
func (h *InstallHandler) LinkInstall(c *gin.Context) {
	principalID := c.GetString("principal_id")

	if err := h.installs.Link(c.Request.Context(), c.Param("id"), principalID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to link install"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Request/Response structures
type InstallRequest struct {
	InstallID  string `json:"install_id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	DeviceInfo string `json:"device_info"`
}

type InstallResponse struct {
	InstallID string    `json:"install_id"`
	Created   bool      `json:"created"`
	Timestamp time.Time `json:"timestamp"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
