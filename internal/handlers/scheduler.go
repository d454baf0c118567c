package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartScheduler starts the timer loop
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.orchestrator.Scheduler().Start(); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "scheduler_error", Message: err.Error(), Code: http.StatusConflict})
		return
	}
	c.Status(http.StatusOK)
}

// StopScheduler stops the timer loop, waiting for running cycles
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.orchestrator.Scheduler().Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "scheduler_error", Message: err.Error(), Code: http.StatusInternalServerError})
		return
	}
	c.Status(http.StatusOK)
}

// GetSchedulerStatus returns the scheduler entries and retry state
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status, err := h.orchestrator.Status(c.Request.Context())
	if err != nil {
		databaseError(c, "Failed to read scheduler status")
		return
	}
	c.JSON(http.StatusOK, status)
}
