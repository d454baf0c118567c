// Package automation drives the retailer purchase and platform redemption
// flows on a browser page and reports typed outcomes.
package automation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/session"
)

// FailureKind classifies an unsuccessful Result
type FailureKind string

const (
	// KindTransient covers timeouts, site errors and missing selectors
	KindTransient FailureKind = "transient"
	// KindCaptcha means a CAPTCHA or manual 2FA prompt blocked the flow
	KindCaptcha FailureKind = "captcha"
	// KindCredentials is a missing or rejected login or a broken configuration; not retried
	KindCredentials FailureKind = "credentials"
	// KindRejected means the site refused the gift card code itself
	KindRejected FailureKind = "rejected"
)

// Retryable reports whether the retry scheduler should re-attempt. An unset
// kind counts as transient.
func (k FailureKind) Retryable() bool {
	return k == "" || k == KindTransient || k == KindCaptcha
}

// Result is the outcome of one purchase or redemption attempt
type Result struct {
	Success      bool
	ExternalID   string
	Amount       decimal.NullDecimal
	ErrorMessage string
	Kind         FailureKind
}

// Succeeded builds a successful Result
func Succeeded(externalID string, amount decimal.NullDecimal) Result {
	return Result{Success: true, ExternalID: externalID, Amount: amount}
}

// Failed builds a failed Result of the given kind
func Failed(kind FailureKind, format string, args ...interface{}) Result {
	return Result{Kind: kind, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Normalize fills in KindTransient on a failure that carries no kind
func (r Result) Normalize() Result {
	if !r.Success && r.Kind == "" {
		r.Kind = KindTransient
	}
	return r
}

// Purchaser buys one gift card using the leased browser session
type Purchaser interface {
	Purchase(ctx context.Context, lease *session.Lease) Result
}

// Redeemer applies one code to the platform account using the leased session
type Redeemer interface {
	Redeem(ctx context.Context, lease *session.Lease, code models.GiftCardCode) Result
}
