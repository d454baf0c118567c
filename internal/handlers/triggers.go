package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TriggerPurchase queues an out-of-band purchase cycle
func (h *Handlers) TriggerPurchase(c *gin.Context) {
	h.trigger(c, "purchase", h.orchestrator.TriggerPurchase)
}

// TriggerEmailCheck queues an out-of-band inbox check
func (h *Handlers) TriggerEmailCheck(c *gin.Context) {
	h.trigger(c, "email-check", h.orchestrator.TriggerEmailCheck)
}

// TriggerRedemption queues an out-of-band redemption sweep
func (h *Handlers) TriggerRedemption(c *gin.Context) {
	h.trigger(c, "redemption", h.orchestrator.TriggerRedemption)
}

func (h *Handlers) trigger(c *gin.Context, op string, fn func() error) {
	if err := fn(); err != nil {
		logrus.Errorf("Failed to queue %s: %v", op, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "trigger_failed",
			Message: "Failed to queue " + op,
			Code:    http.StatusInternalServerError,
		})
		return
	}
	logrus.Infof("Manual %s queued via API", op)
	c.JSON(http.StatusAccepted, TriggerResponse{Status: "queued", Operation: op, QueuedAt: h.clock.Now()})
}
