package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/automation"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/logging"
	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/notifier"
	"giftcard-autopilot-go/internal/session"
	"giftcard-autopilot-go/internal/watcher"
)

// RunEmailCycle ingests new inbox messages and immediately sweeps any new
// codes
func (o *Orchestrator) RunEmailCycle(ctx context.Context) error {
	start := o.clock.Now()
	defer o.observe("email", start)

	if o.watcher == nil {
		return fmt.Errorf("no email watcher configured")
	}

	results, err := o.checkInbox(ctx)
	if errors.Is(err, session.ErrBusy) {
		return o.emailBusy(err)
	}
	if err != nil {
		return err
	}

	var newCodes []*models.GiftCardCode
	for _, r := range results {
		newCodes = append(newCodes, r.Codes...)
	}
	logrus.Infof("Email cycle processed %d messages, %d new codes", len(results), len(newCodes))
	if len(newCodes) == 0 {
		return nil
	}

	masked := make([]string, 0, len(newCodes))
	for _, c := range newCodes {
		masked = append(masked, logging.MaskCode(c.Code))
	}
	o.notifier.Send(notifier.Notification{
		Type:     notifier.TypeInfo,
		Title:    "Gift card codes received",
		Message:  fmt.Sprintf("%d new gift card code(s) found, starting redemption.", len(newCodes)),
		Metadata: map[string]string{"codes": fmt.Sprint(masked)},
	})

	return o.RunRedemptionCycle(ctx, false)
}

// RunRedemptionCycle redeems pending codes one at a time. A retry sweep also
// re-attempts failed codes that still have attempts left.
func (o *Orchestrator) RunRedemptionCycle(ctx context.Context, retry bool) error {
	start := o.clock.Now()
	defer o.observe("redemption", start)

	if o.redeemer == nil {
		return fmt.Errorf("no redeemer configured")
	}

	pctx := context.WithoutCancel(ctx)
	codes, err := o.redeemable(pctx, retry)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		o.metrics.PendingCodes.Set(0)
		logrus.Debug("No codes to redeem")
		if retry {
			return o.ledger.SetTime(pctx, redemptionNextRetryKey, time.Time{})
		}
		return nil
	}

	lease, err := o.acquire(ctx, "redemption")
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return o.redemptionBusy(retry, err)
		}
		return err
	}
	defer lease.Release()

	// another sweep may have held the session; take the list it left behind
	codes, err = o.redeemable(pctx, retry)
	if err != nil {
		return err
	}
	o.metrics.PendingCodes.Set(float64(len(codes)))

	if retry {
		if err := o.ledger.SetTime(pctx, redemptionNextRetryKey, time.Time{}); err != nil {
			return err
		}
	}

	var (
		redeemed, failed int
		lastErr          string
		captcha          bool
	)
	for i, c := range codes {
		if i > 0 {
			if err := o.pause(ctx); err != nil {
				logrus.Infof("Redemption sweep interrupted: %v", err)
				break
			}
		}

		// re-read so a code redeemed elsewhere is never attempted again
		code, err := o.ledger.GetGiftCardCode(pctx, c.ID)
		if err != nil {
			return err
		}
		if !o.eligible(code, retry) {
			logrus.Infof("Code %s is now %s, skipping", logging.MaskCode(code.Code), code.RedemptionStatus)
			continue
		}

		res := o.redeemOne(ctx, lease, code)
		outcome, err := o.recordRedemption(pctx, code, res)
		if errors.Is(err, ledger.ErrStaleState) {
			logrus.Warnf("Code %s changed during redemption, leaving it as is", logging.MaskCode(code.Code))
			continue
		}
		if err != nil {
			return err
		}

		switch outcome {
		case models.RedemptionRedeemed:
			redeemed++
		case models.RedemptionFailed:
			if res.Kind == automation.KindCredentials {
				o.notifier.Send(notifier.Notification{
					Type:    notifier.TypeError,
					Title:   "Redemption halted",
					Message: fmt.Sprintf("Redemption cannot proceed and will not be retried: %s", res.ErrorMessage),
				})
				return nil
			}
			failed++
			lastErr = res.ErrorMessage
			captcha = captcha || res.Kind == automation.KindCaptcha
		}
	}

	logrus.Infof("Redemption sweep finished: %d redeemed, %d failed", redeemed, failed)

	if failed == 0 {
		if redeemed > 0 {
			return o.resetRetries(pctx, opRedemption)
		}
		return nil
	}
	return o.scheduleRedemptionRetry(pctx, lastErr, captcha)
}

func (o *Orchestrator) redeemable(ctx context.Context, retry bool) ([]models.GiftCardCode, error) {
	if retry {
		return o.ledger.GetRetryableGiftCardCodes(ctx, o.cfg.MaxRetries)
	}
	return o.ledger.GetPendingGiftCardCodes(ctx)
}

// eligible reports whether a sweep may attempt code. Regular sweeps only take
// pending codes; failed codes wait for the retry sweep.
func (o *Orchestrator) eligible(code *models.GiftCardCode, retry bool) bool {
	switch code.RedemptionStatus {
	case models.RedemptionPending:
		return true
	case models.RedemptionFailed:
		return retry && code.Attempts < o.cfg.MaxRetries
	}
	return false
}

// checkInbox runs the watcher while holding the automation session so
// ingestion never interleaves with a redemption sweep
func (o *Orchestrator) checkInbox(ctx context.Context) ([]watcher.Result, error) {
	lease, err := o.acquire(ctx, "email")
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	results, err := o.watcher.CheckForNewEmails(ctx)
	if err != nil {
		return results, fmt.Errorf("failed to check for new emails: %w", err)
	}
	return results, nil
}

func (o *Orchestrator) redeemOne(ctx context.Context, lease *session.Lease, code *models.GiftCardCode) (res automation.Result) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Redeemer panicked: %v", r)
			res = automation.Failed(automation.KindTransient, "redeemer panicked: %v", r)
		}
	}()
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RedemptionTimeout)
	defer cancel()
	logrus.WithField("lease", lease.ID()).Infof("Redeeming code %s", logging.MaskCode(code.Code))
	return o.redeemer.Redeem(runCtx, lease, *code).Normalize()
}

// recordRedemption moves code to its outcome state and sends the per-code
// notification for terminal outcomes
func (o *Orchestrator) recordRedemption(ctx context.Context, code *models.GiftCardCode, res automation.Result) (models.RedemptionStatus, error) {
	from := code.RedemptionStatus
	now := o.clock.Now()
	code.Attempts++
	masked := logging.MaskCode(code.Code)

	switch {
	case res.Success:
		code.RedemptionStatus = models.RedemptionRedeemed
		code.RedeemedAt = &now
		code.ErrorMessage = ""
		if res.ExternalID != "" {
			id := res.ExternalID
			code.ExternalRedemptionID = &id
		}
	case res.Kind == automation.KindRejected:
		code.RedemptionStatus = models.RedemptionExpired
		code.ErrorMessage = res.ErrorMessage
	default:
		code.RedemptionStatus = models.RedemptionFailed
		code.ErrorMessage = res.ErrorMessage
	}

	if err := o.ledger.UpdateGiftCardCode(ctx, code, from); err != nil {
		return "", err
	}
	o.metrics.Redemptions.WithLabelValues(string(code.RedemptionStatus)).Inc()

	switch code.RedemptionStatus {
	case models.RedemptionRedeemed:
		logrus.Infof("Code %s redeemed (value %s)", masked, code.Value.StringFixed(2))
		meta := map[string]string{"code": masked, "value": code.Value.StringFixed(2)}
		if code.ExternalRedemptionID != nil {
			meta["redemption_id"] = *code.ExternalRedemptionID
		}
		o.notifier.Send(notifier.Notification{
			Type:     notifier.TypeSuccess,
			Title:    "Gift card redeemed",
			Message:  fmt.Sprintf("Code %s for $%s was redeemed.", masked, code.Value.StringFixed(2)),
			Metadata: meta,
		})
	case models.RedemptionExpired:
		logrus.Warnf("Code %s rejected by the platform: %s", masked, res.ErrorMessage)
		o.notifier.Send(notifier.Notification{
			Type:     notifier.TypeWarning,
			Title:    "Gift card code rejected",
			Message:  fmt.Sprintf("Code %s was rejected and marked expired: %s", masked, res.ErrorMessage),
			Metadata: map[string]string{"code": masked},
		})
	default:
		logrus.WithField("kind", res.Kind).Warnf("Redemption of %s failed (attempt %d): %s", masked, code.Attempts, res.ErrorMessage)
	}
	return code.RedemptionStatus, nil
}

func (o *Orchestrator) scheduleRedemptionRetry(ctx context.Context, lastErr string, captcha bool) error {
	decision, err := o.recordFailure(ctx, opRedemption, lastErr)
	if err != nil {
		return err
	}
	if decision.Exhausted {
		o.metrics.RetriesExhausted.WithLabelValues(opRedemption).Inc()
		o.notifyExhausted(opRedemption, decision, lastErr, nil)
		return nil
	}

	nextAt := o.clock.Now().Add(decision.Delay)
	if err := o.ledger.SetTime(ctx, redemptionNextRetryKey, nextAt); err != nil {
		return err
	}
	if err := o.scheduler.ScheduleOnce(EntryRedemptionRetry, nextAt, o.redemptionJob(true)); err != nil {
		return err
	}
	o.metrics.RetriesScheduled.WithLabelValues(opRedemption).Inc()
	logrus.Warnf("Redemption retry %d/%d scheduled in %s", decision.Count, o.cfg.MaxRetries, decision.Delay)

	if captcha {
		o.notifier.Send(notifier.Notification{
			Type:     notifier.TypeWarning,
			Title:    "Redemption blocked by CAPTCHA",
			Message:  fmt.Sprintf("%s. A retry is scheduled for %s.", lastErr, nextAt.Format(time.RFC1123)),
			Metadata: map[string]string{"retry_at": nextAt.Format(time.RFC3339)},
		})
	}
	return nil
}

// emailBusy defers an inbox check that could not get the session. The
// checkpoint is untouched, so nothing is missed.
func (o *Orchestrator) emailBusy(cause error) error {
	runAt := o.clock.Now().Add(o.cfg.BusyRetryDelay)
	logrus.Warnf("Inbox check deferred to %s: %v", runAt.Format(time.RFC3339), cause)
	return o.scheduler.ScheduleOnce(EntryEmailBusy, runAt, o.emailJob())
}

// redemptionBusy reschedules a sweep that could not get the session
func (o *Orchestrator) redemptionBusy(retry bool, cause error) error {
	runAt := o.clock.Now().Add(o.cfg.BusyRetryDelay)
	logrus.Warnf("Redemption sweep deferred to %s: %v", runAt.Format(time.RFC3339), cause)
	name := "redemption-busy"
	if retry {
		name = EntryRedemptionRetry
	}
	return o.scheduler.ScheduleOnce(name, runAt, o.redemptionJob(retry))
}
