package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// GetStats returns aggregate purchase and redemption statistics
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.ledger.GetStatistics(c.Request.Context())
	if err != nil {
		databaseError(c, "Failed to compute statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetPurchases returns the most recent purchase attempts
func (h *Handlers) GetPurchases(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	attempts, err := h.ledger.ListPurchaseAttempts(c.Request.Context(), limit)
	if err != nil {
		databaseError(c, "Failed to fetch purchase attempts")
		return
	}
	c.JSON(http.StatusOK, attempts)
}

// GetCodes returns the most recent gift card codes, masked
func (h *Handlers) GetCodes(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	codes, err := h.ledger.ListGiftCardCodes(c.Request.Context(), limit)
	if err != nil {
		databaseError(c, "Failed to fetch gift card codes")
		return
	}
	responses := make([]CodeResponse, 0, len(codes))
	for _, code := range codes {
		responses = append(responses, newCodeResponse(code))
	}
	c.JSON(http.StatusOK, responses)
}

// GetEmails returns the most recent email records
func (h *Handlers) GetEmails(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	emails, err := h.ledger.ListEmailRecords(c.Request.Context(), limit)
	if err != nil {
		databaseError(c, "Failed to fetch email records")
		return
	}
	c.JSON(http.StatusOK, emails)
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: "limit must be a positive integer", Code: http.StatusBadRequest})
		return 0, false
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, true
}

func databaseError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "database_error",
		Message: msg,
		Code:    http.StatusInternalServerError,
	})
}
