package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: h.clock.Now(),
		Database:  "ok",
		Scheduler: "stopped",
		Details:   make(map[string]string),
	}

	if err := h.ledger.Ping(c.Request.Context()); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	sched := h.orchestrator.Scheduler()
	if sched.IsRunning() {
		response.Scheduler = "running"
	}
	for _, e := range sched.Entries() {
		response.Details[e.Name+"_next_run"] = e.Next.Format(time.RFC3339)
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
