package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spendguard/spendguard/internal/logging"
	"github.com/spendguard/spendguard/internal/storage"
	"github.com/spendguard/spendguard/pkg/models"
)

// CreateChannelRequest registers a new alert channel
type CreateChannelRequest struct {
	Name    string            `json:"name" binding:"required,max=128"`
	Type    string            `json:"type" binding:"required,oneof=console webhook slack discord"`
	URL     string            `json:"url" binding:"omitempty,url"`
	Headers map[string]string `json:"headers"`
	Enabled *bool             `json:"enabled"`
}

// UpdateChannelRequest toggles a channel
type UpdateChannelRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleListChannels(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"

	channels, err := s.channels.List(c.Request.Context(), enabledOnly)
	if err != nil {
		s.internalError(c, "failed to list channels", err)
		return
	}
	if channels == nil {
		channels = []*models.AlertChannel{}
	}

	c.JSON(http.StatusOK, gin.H{
		"channels": channels,
		"count":    len(channels),
	})
}

func (s *Server) handleCreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	chType := models.ChannelType(req.Type)
	if chType != models.ChannelConsole && req.URL == "" {
		s.badRequest(c, "url is required for "+req.Type+" channels")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	ch := &models.AlertChannel{
		Name:    req.Name,
		Type:    chType,
		Config:  models.ChannelConfig{URL: req.URL, Headers: req.Headers},
		Enabled: enabled,
	}

	ctx := c.Request.Context()
	if err := s.channels.Create(ctx, ch); err != nil {
		s.internalError(c, "failed to create channel", err)
		return
	}
	logging.Audit(ctx, "channel_create",
		"channel_id", ch.ID,
		"channel_type", string(ch.Type))

	c.JSON(http.StatusCreated, ch)
}

func (s *Server) handleUpdateChannel(c *gin.Context) {
	id := c.Param("id")

	var req UpdateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	ctx := c.Request.Context()
	if err := s.channels.SetEnabled(ctx, id, *req.Enabled); err != nil {
		if storage.IsNotFound(err) {
			s.channelNotFound(c, id)
			return
		}
		s.internalError(c, "failed to update channel", err)
		return
	}

	ch, err := s.channels.Get(ctx, id)
	if err != nil {
		s.internalError(c, "failed to get channel", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) handleDeleteChannel(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := s.channels.Delete(ctx, id); err != nil {
		if storage.IsNotFound(err) {
			s.channelNotFound(c, id)
			return
		}
		s.internalError(c, "failed to delete channel", err)
		return
	}
	logging.Audit(ctx, "channel_delete", "channel_id", id)

	c.Status(http.StatusNoContent)
}

// handleTestChannel sends a sample alert through one channel, bypassing cooldown
func (s *Server) handleTestChannel(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	ch, err := s.channels.Get(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			s.channelNotFound(c, id)
			return
		}
		s.internalError(c, "failed to get channel", err)
		return
	}

	if s.governor.Alerts() == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "alerting is not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	result := s.governor.Alerts().SendTest(ctx, ch)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

func (s *Server) channelNotFound(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:     "channel not found: " + id,
		RequestID: c.GetString("request_id"),
	})
}
