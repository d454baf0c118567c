package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"giftcard-autopilot-go/internal/clock"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/orchestrator"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	ledger       *ledger.Ledger
	orchestrator *orchestrator.Orchestrator
	gatherer     prometheus.Gatherer
	clock        clock.Clock
}

// NewHandlers creates new HTTP handlers. gatherer is the registry the
// metrics were registered with.
func NewHandlers(l *ledger.Ledger, o *orchestrator.Orchestrator, gatherer prometheus.Gatherer, clk clock.Clock) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Handlers{ledger: l, orchestrator: o, gatherer: gatherer, clock: clk}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.POST("/trigger/purchase", h.TriggerPurchase)
		api.POST("/trigger/email-check", h.TriggerEmailCheck)
		api.POST("/trigger/redemption", h.TriggerRedemption)

		api.GET("/stats", h.GetStats)
		api.GET("/purchases", h.GetPurchases)
		api.GET("/codes", h.GetCodes)
		api.GET("/emails", h.GetEmails)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}
