package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"giftcard-autopilot-go/internal/logging"
	"giftcard-autopilot-go/internal/models"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Scheduler string            `json:"scheduler"`
	Details   map[string]string `json:"details,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// TriggerResponse acknowledges an out-of-band cycle
type TriggerResponse struct {
	Status    string    `json:"status"`
	Operation string    `json:"operation"`
	QueuedAt  time.Time `json:"queued_at"`
}

// CodeResponse is a gift card code as exposed over HTTP; the code itself is
// always masked
type CodeResponse struct {
	ID                   uint                    `json:"id"`
	Code                 string                  `json:"code"`
	Value                decimal.Decimal         `json:"value"`
	RedemptionStatus     models.RedemptionStatus `json:"redemption_status"`
	Attempts             int                     `json:"attempts"`
	ExtractedAt          time.Time               `json:"extracted_at"`
	RedeemedAt           *time.Time              `json:"redeemed_at,omitempty"`
	ExternalRedemptionID *string                 `json:"external_redemption_id,omitempty"`
	ErrorMessage         string                  `json:"error_message,omitempty"`
	SourceEmailID        uint                    `json:"source_email_id"`
}

func newCodeResponse(c models.GiftCardCode) CodeResponse {
	return CodeResponse{
		ID:                   c.ID,
		Code:                 logging.MaskCode(c.Code),
		Value:                c.Value,
		RedemptionStatus:     c.RedemptionStatus,
		Attempts:             c.Attempts,
		ExtractedAt:          c.ExtractedAt,
		RedeemedAt:           c.RedeemedAt,
		ExternalRedemptionID: c.ExternalRedemptionID,
		ErrorMessage:         c.ErrorMessage,
		SourceEmailID:        c.SourceEmailID,
	}
}
