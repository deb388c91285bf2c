package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"iot-control/internal/dispatcher"
	"iot-control/internal/models"
)

// CommandBody is the body of POST /api/devices/:id/command; durations are seconds
type CommandBody struct {
	Command  string `json:"command" binding:"required"`
	Timeout  int    `json:"timeout" binding:"gte=0"`
	WaitTime int    `json:"wait_time" binding:"gte=0"`
}

// ControlBody is the body of POST /api/devices/:id/control
type ControlBody struct {
	Action     string         `json:"action" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleCommand(c *gin.Context) {
	var body CommandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := s.config.CommandTimeout
	if body.Timeout > 0 {
		timeout = time.Duration(body.Timeout) * time.Second
	}
	wait := s.config.CommandWait
	if body.WaitTime > 0 {
		wait = time.Duration(body.WaitTime) * time.Second
	}

	result, err := s.executor.Execute(c.Request.Context(), c.Param("id"), body.Command, timeout, wait)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	// ?normalize=true answers in the same shape as the control endpoints
	if cast.ToBool(c.Query("normalize")) {
		c.JSON(http.StatusOK, dispatcher.NormalizeCommandResult(result))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleControl(c *gin.Context) {
	var body ControlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.control.Dispatch(c.Request.Context(), c.Param("id"), body.Action, body.Parameters)
	c.JSON(statusFor(result), result)
}

func (s *Server) handleBatch(c *gin.Context) {
	var requests []models.ActionRequest
	if err := c.ShouldBindJSON(&requests); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Per-request failures are carried in the results
	c.JSON(http.StatusOK, s.control.DispatchBatch(c.Request.Context(), requests))
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"states":    s.control.States(),
		"reporting": s.devices.GetAllDevices(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	c.JSON(http.StatusOK, s.alerts.History(limit))
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.GetAll())
}

// statusFor maps an action result to an HTTP status
func statusFor(result models.ActionResult) int {
	switch {
	case result.Success:
		return http.StatusOK
	case errors.Is(result.Err, dispatcher.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(result.Err, dispatcher.ErrUnsupportedAction), errors.Is(result.Err, dispatcher.ErrMissingParameter):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
