package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus is the lifecycle state of a PurchaseAttempt
type PurchaseStatus string

const (
	PurchasePending    PurchaseStatus = "pending"
	PurchaseInProgress PurchaseStatus = "in_progress"
	PurchaseCompleted  PurchaseStatus = "completed"
	PurchaseFailed     PurchaseStatus = "failed"
	PurchaseSkipped    PurchaseStatus = "skipped"
)

// Valid reports whether s is a known purchase status
func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchasePending, PurchaseInProgress, PurchaseCompleted, PurchaseFailed, PurchaseSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseCompleted || s == PurchaseFailed || s == PurchaseSkipped
}

// CanTransitionTo reports whether a purchase attempt may move from s to next
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	switch s {
	case PurchasePending:
		return next == PurchaseInProgress || next == PurchaseSkipped
	case PurchaseInProgress:
		return next == PurchaseCompleted || next == PurchaseFailed
	}
	return false
}

// EmailType is the heuristic classification of an inbound message
type EmailType string

const (
	EmailPurchaseConfirmation EmailType = "purchase_confirmation"
	EmailGiftCardDelivery     EmailType = "gift_card_delivery"
	EmailOther                EmailType = "other"
)

// Valid reports whether t is a known email type
func (t EmailType) Valid() bool {
	switch t {
	case EmailPurchaseConfirmation, EmailGiftCardDelivery, EmailOther:
		return true
	}
	return false
}

// EmailStatus is the processing state of an EmailRecord
type EmailStatus string

const (
	EmailPending   EmailStatus = "pending"
	EmailProcessed EmailStatus = "processed"
	EmailFailed    EmailStatus = "failed"
)

// CanTransitionTo reports whether an email record may move from s to next
func (s EmailStatus) CanTransitionTo(next EmailStatus) bool {
	return s == EmailPending && (next == EmailProcessed || next == EmailFailed)
}

// RedemptionStatus is the redemption state of a GiftCardCode
type RedemptionStatus string

const (
	RedemptionPending  RedemptionStatus = "pending"
	RedemptionRedeemed RedemptionStatus = "redeemed"
	RedemptionFailed   RedemptionStatus = "failed"
	RedemptionExpired  RedemptionStatus = "expired"
)

// Terminal reports whether a code in state s must never be attempted again
func (s RedemptionStatus) Terminal() bool {
	return s == RedemptionRedeemed || s == RedemptionExpired
}

// CanTransitionTo reports whether a code may move from s to next.
// Codes only move forward; failed codes stay eligible for a retry.
func (s RedemptionStatus) CanTransitionTo(next RedemptionStatus) bool {
	switch s {
	case RedemptionPending, RedemptionFailed:
		return next == RedemptionRedeemed || next == RedemptionFailed || next == RedemptionExpired
	}
	return false
}

// PurchaseAttempt is one scheduled or attempted purchase cycle
type PurchaseAttempt struct {
	ID              uint                `json:"id" gorm:"primaryKey;autoIncrement"`
	ScheduledAt     time.Time           `json:"scheduled_at" gorm:"not null;index"`
	AttemptedAt     *time.Time          `json:"attempted_at"`
	Status          PurchaseStatus      `json:"status" gorm:"type:varchar(20);not null;index"`
	Trigger         string              `json:"trigger" gorm:"type:varchar(20);not null;default:'scheduled'"`
	ExternalOrderID *string             `json:"external_order_id" gorm:"type:varchar(255);index"`
	TotalAmount     decimal.NullDecimal `json:"total_amount" gorm:"type:decimal(12,2)"`
	ErrorMessage    string              `json:"error_message" gorm:"type:text"`
	RetryCount      int                 `json:"retry_count" gorm:"not null;default:0"`
	NextRetryAt     *time.Time          `json:"next_retry_at"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TableName specifies the table name for PurchaseAttempt
func (PurchaseAttempt) TableName() string {
	return "purchase_attempts"
}

// EmailRecord is one inbound message relevant to the workflow
type EmailRecord struct {
	ID                uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	ExternalMessageID string      `json:"external_message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ReceivedAt        time.Time   `json:"received_at" gorm:"not null;index"`
	ProcessedAt       *time.Time  `json:"processed_at"`
	Type              EmailType   `json:"type" gorm:"type:varchar(32);not null;default:'other'"`
	Status            EmailStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Sender            string      `json:"sender" gorm:"type:varchar(255)"`
	Subject           string      `json:"subject" gorm:"type:varchar(512)"`
	RawContent        string      `json:"-" gorm:"type:mediumtext"`
	RelatedPurchaseID *uint       `json:"related_purchase_id" gorm:"index"`
	ErrorMessage      string      `json:"error_message" gorm:"type:text"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// TableName specifies the table name for EmailRecord
func (EmailRecord) TableName() string {
	return "email_records"
}

// GiftCardCode is one redeemable code extracted from an email
type GiftCardCode struct {
	ID                   uint             `json:"id" gorm:"primaryKey;autoIncrement"`
	Code                 string           `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	Value                decimal.Decimal  `json:"value" gorm:"type:decimal(12,2);not null"`
	ExtractedAt          time.Time        `json:"extracted_at" gorm:"not null"`
	RedeemedAt           *time.Time       `json:"redeemed_at"`
	RedemptionStatus     RedemptionStatus `json:"redemption_status" gorm:"type:varchar(20);not null;index"`
	Attempts             int              `json:"attempts" gorm:"not null;default:0"`
	ExternalRedemptionID *string          `json:"external_redemption_id" gorm:"type:varchar(255)"`
	ErrorMessage         string           `json:"error_message" gorm:"type:text"`
	SourceEmailID        uint             `json:"source_email_id" gorm:"not null;index"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// TableName specifies the table name for GiftCardCode
func (GiftCardCode) TableName() string {
	return "gift_card_codes"
}

// SystemState is a durable key/value pair for cross-cycle counters
type SystemState struct {
	Key       string    `json:"key" gorm:"primaryKey;type:varchar(128)"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for SystemState
func (SystemState) TableName() string {
	return "system_state"
}

// All lists every persisted model, in migration order
func All() []interface{} {
	return []interface{}{&PurchaseAttempt{}, &EmailRecord{}, &GiftCardCode{}, &SystemState{}}
}

// Statistics aggregates purchase and redemption history
type Statistics struct {
	TotalPurchases      int64           `json:"total_purchases"`
	CompletedPurchases  int64           `json:"completed_purchases"`
	FailedPurchases     int64           `json:"failed_purchases"`
	TotalSpent          decimal.Decimal `json:"total_spent"`
	PurchaseSuccessRate float64         `json:"purchase_success_rate"`
	TotalCodes          int64           `json:"total_codes"`
	RedeemedCodes       int64           `json:"redeemed_codes"`
	PendingCodes        int64           `json:"pending_codes"`
	FailedCodes         int64           `json:"failed_codes"`
	ExpiredCodes        int64           `json:"expired_codes"`
	TotalCodeValue      decimal.Decimal `json:"total_code_value"`
	RedeemedValue       decimal.Decimal `json:"redeemed_value"`
	RedemptionRate      float64         `json:"redemption_rate"`
}
