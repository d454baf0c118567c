package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/automation"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/notifier"
	"giftcard-autopilot-go/internal/session"
)

// RunPurchaseCycle decides whether to buy and, if so, runs one purchase
// attempt. Only persistence failures are returned; purchaser failures are
// recorded and fed to the retry scheduler.
func (o *Orchestrator) RunPurchaseCycle(ctx context.Context, trigger string) error {
	return o.runPurchase(ctx, trigger, 0)
}

// runPurchase executes a purchase. retryID names a pending retry row to use
// instead of creating a new attempt.
func (o *Orchestrator) runPurchase(ctx context.Context, trigger string, retryID uint) error {
	start := o.clock.Now()
	defer o.observe("purchase", start)

	if o.purchaser == nil {
		return fmt.Errorf("no purchaser configured")
	}

	lease, err := o.acquire(ctx, "purchase")
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return o.purchaseBusy(trigger, retryID, err)
		}
		return err
	}
	defer lease.Release()

	// persist outcomes even while shutting down
	pctx := context.WithoutCancel(ctx)
	now := o.clock.Now()

	latest, err := o.ledger.GetLatestPurchaseAttempt(pctx)
	if err != nil {
		return err
	}

	var attempt *models.PurchaseAttempt
	if retryID != 0 {
		attempt, err = o.ledger.GetPurchaseAttempt(pctx, retryID)
		if err != nil {
			return err
		}
		if attempt.Status != models.PurchasePending {
			logrus.Infof("Purchase retry %d is already %s, nothing to do", attempt.ID, attempt.Status)
			return nil
		}
	}

	if skip, reason := ShouldSkipPurchase(latest, now, o.cfg.CoolDown); skip {
		logrus.Infof("Skipping purchase (%s): %s", trigger, reason)
		o.metrics.Purchases.WithLabelValues(string(models.PurchaseSkipped)).Inc()
		if attempt != nil {
			attempt.Status = models.PurchaseSkipped
			attempt.ErrorMessage = reason
			return o.ledger.UpdatePurchaseAttempt(pctx, attempt, models.PurchasePending)
		}
		return o.ledger.CreatePurchaseAttempt(pctx, &models.PurchaseAttempt{
			ScheduledAt:  now,
			Status:       models.PurchaseSkipped,
			Trigger:      trigger,
			ErrorMessage: reason,
		})
	}

	if attempt == nil {
		attempt = &models.PurchaseAttempt{ScheduledAt: now, Status: models.PurchasePending, Trigger: trigger}
		if err := o.ledger.CreatePurchaseAttempt(pctx, attempt); err != nil {
			return err
		}
	}

	attempt.Status = models.PurchaseInProgress
	attempt.AttemptedAt = &now
	if err := o.ledger.UpdatePurchaseAttempt(pctx, attempt, models.PurchasePending); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"attempt": attempt.ID, "trigger": trigger, "lease": lease.ID()}).Info("Starting purchase attempt")

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.PurchaseTimeout)
	res := o.safePurchase(runCtx, lease)
	cancel()

	if res.Success {
		return o.purchaseSucceeded(pctx, attempt, res)
	}
	return o.purchaseFailed(pctx, attempt, res)
}

func (o *Orchestrator) safePurchase(ctx context.Context, lease *session.Lease) (res automation.Result) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Purchaser panicked: %v", r)
			res = automation.Failed(automation.KindTransient, "purchaser panicked: %v", r)
		}
	}()
	return o.purchaser.Purchase(ctx, lease).Normalize()
}

func (o *Orchestrator) purchaseSucceeded(ctx context.Context, attempt *models.PurchaseAttempt, res automation.Result) error {
	attempt.Status = models.PurchaseCompleted
	attempt.ErrorMessage = ""
	if res.ExternalID != "" {
		orderID := res.ExternalID
		attempt.ExternalOrderID = &orderID
	}
	attempt.TotalAmount = res.Amount
	if err := o.ledger.UpdatePurchaseAttempt(ctx, attempt, models.PurchaseInProgress); err != nil {
		return err
	}
	if err := o.resetRetries(ctx, opPurchase); err != nil {
		return err
	}
	o.metrics.Purchases.WithLabelValues(string(models.PurchaseCompleted)).Inc()

	amount := "unknown"
	if res.Amount.Valid {
		amount = res.Amount.Decimal.StringFixed(2)
	}
	logrus.Infof("Purchase attempt %d completed: order %s, amount %s", attempt.ID, res.ExternalID, amount)
	o.notifier.Send(notifier.Notification{
		Type:    notifier.TypeSuccess,
		Title:   "Gift card purchased",
		Message: fmt.Sprintf("Purchase completed with order %s for $%s.", res.ExternalID, amount),
		Metadata: map[string]string{
			"attempt_id": fmt.Sprint(attempt.ID),
			"order_id":   res.ExternalID,
			"amount":     amount,
		},
	})
	return nil
}

func (o *Orchestrator) purchaseFailed(ctx context.Context, attempt *models.PurchaseAttempt, res automation.Result) error {
	attempt.Status = models.PurchaseFailed
	attempt.ErrorMessage = res.ErrorMessage
	o.metrics.Purchases.WithLabelValues(string(models.PurchaseFailed)).Inc()
	logrus.WithFields(logrus.Fields{"attempt": attempt.ID, "kind": res.Kind}).Warnf("Purchase attempt failed: %s", res.ErrorMessage)

	if !res.Kind.Retryable() {
		if err := o.ledger.UpdatePurchaseAttempt(ctx, attempt, models.PurchaseInProgress); err != nil {
			return err
		}
		o.notifier.Send(notifier.Notification{
			Type:     notifier.TypeError,
			Title:    "Purchase halted",
			Message:  fmt.Sprintf("Purchase cannot proceed and will not be retried: %s", res.ErrorMessage),
			Metadata: map[string]string{"attempt_id": fmt.Sprint(attempt.ID), "kind": string(res.Kind)},
		})
		return nil
	}

	decision, err := o.recordFailure(ctx, opPurchase, res.ErrorMessage)
	if err != nil {
		return err
	}

	if decision.Exhausted {
		if err := o.ledger.UpdatePurchaseAttempt(ctx, attempt, models.PurchaseInProgress); err != nil {
			return err
		}
		o.metrics.RetriesExhausted.WithLabelValues(opPurchase).Inc()
		o.notifyExhausted(opPurchase, decision, res.ErrorMessage, map[string]string{"attempt_id": fmt.Sprint(attempt.ID)})
		return nil
	}

	nextAt := o.clock.Now().Add(decision.Delay)
	attempt.NextRetryAt = &nextAt
	retry := &models.PurchaseAttempt{
		ScheduledAt: nextAt,
		Status:      models.PurchasePending,
		Trigger:     TriggerRetry,
		RetryCount:  decision.Count,
	}
	err = o.ledger.WithTx(ctx, func(tx *ledger.Ledger) error {
		if err := tx.UpdatePurchaseAttempt(ctx, attempt, models.PurchaseInProgress); err != nil {
			return err
		}
		return tx.CreatePurchaseAttempt(ctx, retry)
	})
	if err != nil {
		return err
	}

	if err := o.scheduler.ScheduleOnce(fmt.Sprintf("purchase-retry-%d", retry.ID), nextAt, o.purchaseRetryJob(retry.ID)); err != nil {
		return err
	}
	o.metrics.RetriesScheduled.WithLabelValues(opPurchase).Inc()
	logrus.Warnf("Purchase retry %d/%d scheduled in %s (attempt %d)", decision.Count, o.cfg.MaxRetries, decision.Delay, retry.ID)

	if res.Kind == automation.KindCaptcha {
		o.notifier.Send(notifier.Notification{
			Type:    notifier.TypeWarning,
			Title:   "Purchase blocked by CAPTCHA",
			Message: fmt.Sprintf("%s. A retry is scheduled for %s.", res.ErrorMessage, nextAt.Format(time.RFC1123)),
			Metadata: map[string]string{
				"attempt_id": fmt.Sprint(attempt.ID),
				"retry_at":   nextAt.Format(time.RFC3339),
			},
		})
	}
	return nil
}

// purchaseBusy reschedules a purchase that could not get the session
func (o *Orchestrator) purchaseBusy(trigger string, retryID uint, cause error) error {
	runAt := o.clock.Now().Add(o.cfg.BusyRetryDelay)
	logrus.Warnf("Purchase (%s) deferred to %s: %v", trigger, runAt.Format(time.RFC3339), cause)
	if retryID != 0 {
		return o.scheduler.ScheduleOnce(fmt.Sprintf("purchase-retry-%d", retryID), runAt, o.purchaseRetryJob(retryID))
	}
	return o.scheduler.ScheduleOnce("purchase-busy", runAt, o.purchaseJob(trigger))
}

// notifyExhausted sends the single elevated notification for a run of
// failures. Identical repeated errors suggest a structural problem.
func (o *Orchestrator) notifyExhausted(op string, d retryDecision, lastErr string, meta map[string]string) {
	n := notifier.Notification{
		Type:     notifier.TypeWarning,
		Title:    fmt.Sprintf("%s retries exhausted", op),
		Message:  fmt.Sprintf("%s failed %d times in a row and will not be retried until the next regular run. Last error: %s", op, d.Count, lastErr),
		Metadata: meta,
	}
	if d.Repeated {
		n.Type = notifier.TypeError
		n.Message = fmt.Sprintf("%s failed %d times with the same error; the site or its layout may have changed. Last error: %s", op, d.Count, lastErr)
	}
	logrus.Errorf("%s retries exhausted after %d failures", op, d.Count)
	o.notifier.Send(n)
}
