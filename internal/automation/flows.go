package automation

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/secrets"
	"giftcard-autopilot-go/internal/session"
)

// Field names that extract steps may fill
const (
	FieldOrderID      = "order_id"
	FieldAmount       = "amount"
	FieldRedemptionID = "redemption_id"
)

// ScriptedPurchaser runs the configured purchase script
type ScriptedPurchaser struct {
	runner *Runner
	creds  CredentialSource
	script config.ScriptConfig
}

// NewScriptedPurchaser creates a purchaser for script
func NewScriptedPurchaser(runner *Runner, creds CredentialSource, script config.ScriptConfig) *ScriptedPurchaser {
	return &ScriptedPurchaser{runner: runner, creds: creds, script: script}
}

// Purchase implements Purchaser
func (p *ScriptedPurchaser) Purchase(ctx context.Context, lease *session.Lease) Result {
	creds, res, ok := loadCredentials(ctx, p.creds, p.script.Service)
	if !ok {
		return res
	}

	browser, err := lease.Browser(ctx)
	if err != nil {
		return Failed(KindTransient, "%v", err)
	}

	vals := Values{Login: creds.Login, Password: creds.Password, Amount: p.script.Amount}
	fields, res := p.runner.Run(ctx, browser.Page, p.script, vals, creds)
	if !res.Success {
		return res
	}

	amount := ParseAmount(fields[FieldAmount])
	if !amount.Valid {
		amount = ParseAmount(p.script.Amount)
	}
	orderID := fields[FieldOrderID]
	if orderID == "" {
		logrus.Warn("Purchase completed but no order id was captured")
	}
	return Succeeded(orderID, amount)
}

// ScriptedRedeemer runs the configured redemption script for one code
type ScriptedRedeemer struct {
	runner *Runner
	creds  CredentialSource
	script config.ScriptConfig
}

// NewScriptedRedeemer creates a redeemer for script
func NewScriptedRedeemer(runner *Runner, creds CredentialSource, script config.ScriptConfig) *ScriptedRedeemer {
	return &ScriptedRedeemer{runner: runner, creds: creds, script: script}
}

// Redeem implements Redeemer
func (r *ScriptedRedeemer) Redeem(ctx context.Context, lease *session.Lease, code models.GiftCardCode) Result {
	creds, res, ok := loadCredentials(ctx, r.creds, r.script.Service)
	if !ok {
		return res
	}

	browser, err := lease.Browser(ctx)
	if err != nil {
		return Failed(KindTransient, "%v", err)
	}

	vals := Values{
		Login:    creds.Login,
		Password: creds.Password,
		Code:     code.Code,
		Amount:   code.Value.StringFixed(2),
	}
	fields, res := r.runner.Run(ctx, browser.Page, r.script, vals, creds)
	if !res.Success {
		return res
	}

	amount := ParseAmount(fields[FieldAmount])
	if !amount.Valid {
		amount = decimal.NewNullDecimal(code.Value)
	}
	return Succeeded(fields[FieldRedemptionID], amount)
}

func loadCredentials(ctx context.Context, src CredentialSource, service string) (*secrets.ServiceCredentials, Result, bool) {
	if src == nil {
		return nil, Failed(KindCredentials, "no credential source configured"), false
	}
	creds, err := src.Credentials(ctx, service)
	if err != nil {
		if errors.Is(err, secrets.ErrNoCredentials) || errors.Is(err, secrets.ErrInvalidMasterKey) {
			return nil, Failed(KindCredentials, "%v", err), false
		}
		return nil, Failed(KindTransient, "failed to load credentials: %v", err), false
	}
	return creds, Result{}, true
}

// ParseAmount reads a money string such as "$1,234.50"
func ParseAmount(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
