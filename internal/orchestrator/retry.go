package orchestrator

import (
	"context"
	"math"
	"strconv"
	"time"

	"giftcard-autopilot-go/internal/ledger"
)

const (
	opPurchase   = "purchase"
	opRedemption = "redemption"

	redemptionNextRetryKey = "redemption_next_retry_at"
)

func counterKey(op string) string   { return op + "_retry_count" }
func lastErrorKey(op string) string { return op + "_last_error" }
func variedKey(op string) string    { return op + "_error_varied" }

// retryDecision is the outcome of recording one failure
type retryDecision struct {
	// Count is the number of consecutive failures including this one
	Count int
	// Exhausted means the ceiling was reached and the counter was reset
	Exhausted bool
	// Delay before the next attempt when not exhausted
	Delay time.Duration
	// Repeated is true when every failure in the run had the same message
	Repeated bool
}

// backoffDelay is base * multiplier^count
func (o *Orchestrator) backoffDelay(count int) time.Duration {
	d := float64(o.cfg.BaseDelay) * math.Pow(o.cfg.BackoffMultiplier, float64(count))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// recordFailure bumps the persisted counter for op. The counter is read
// fresh and written before any retry is scheduled.
func (o *Orchestrator) recordFailure(ctx context.Context, op, message string) (retryDecision, error) {
	var decision retryDecision
	err := o.ledger.WithTx(ctx, func(tx *ledger.Ledger) error {
		count, err := tx.GetCounter(ctx, counterKey(op))
		if err != nil {
			return err
		}
		last, _, err := tx.GetSystemState(ctx, lastErrorKey(op))
		if err != nil {
			return err
		}
		variedRaw, _, err := tx.GetSystemState(ctx, variedKey(op))
		if err != nil {
			return err
		}
		varied, _ := strconv.ParseBool(variedRaw)

		count++
		if count == 1 {
			varied = false
		} else if last != message {
			varied = true
		}

		decision = retryDecision{Count: count, Repeated: !varied}
		if count >= o.cfg.MaxRetries {
			decision.Exhausted = true
			if err := tx.SetCounter(ctx, counterKey(op), 0); err != nil {
				return err
			}
			if err := tx.SetSystemState(ctx, lastErrorKey(op), ""); err != nil {
				return err
			}
			return tx.SetSystemState(ctx, variedKey(op), "false")
		}

		decision.Delay = o.backoffDelay(count)
		if err := tx.SetCounter(ctx, counterKey(op), count); err != nil {
			return err
		}
		if err := tx.SetSystemState(ctx, lastErrorKey(op), message); err != nil {
			return err
		}
		return tx.SetSystemState(ctx, variedKey(op), strconv.FormatBool(varied))
	})
	return decision, err
}

// resetRetries clears the counters for op after a success
func (o *Orchestrator) resetRetries(ctx context.Context, op string) error {
	return o.ledger.WithTx(ctx, func(tx *ledger.Ledger) error {
		if err := tx.SetCounter(ctx, counterKey(op), 0); err != nil {
			return err
		}
		if err := tx.SetSystemState(ctx, lastErrorKey(op), ""); err != nil {
			return err
		}
		return tx.SetSystemState(ctx, variedKey(op), "false")
	})
}
