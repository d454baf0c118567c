// Package watcher turns inbox messages into ledger records and gift card
// codes. Every message is ingested at most once, keyed by its external
// message id.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/clock"
	"giftcard-autopilot-go/internal/extractor"
	"giftcard-autopilot-go/internal/fetcher"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/logging"
	"giftcard-autopilot-go/internal/metrics"
	"giftcard-autopilot-go/internal/models"
)

// CheckpointKey is the system state key holding the last successful fetch time
const CheckpointKey = "email_last_check"

// Options tune the fetch window and purchase correlation
type Options struct {
	// Lookback is the window used when no checkpoint exists yet
	Lookback time.Duration
	// Overlap is subtracted from the checkpoint on every fetch
	Overlap time.Duration
	// CoolDown bounds how far back a delivery is linked to a completed purchase
	CoolDown time.Duration
}

// Result is one newly processed email and the codes it contributed
type Result struct {
	Email      *models.EmailRecord
	Codes      []*models.GiftCardCode
	Duplicates int
}

// Watcher polls the inbox and ingests what it finds
type Watcher struct {
	fetcher   fetcher.EmailFetcher
	ledger    *ledger.Ledger
	extractor *extractor.Extractor
	clock     clock.Clock
	opts      Options
	metrics   *metrics.Metrics

	mu sync.Mutex
}

// New creates a watcher
func New(f fetcher.EmailFetcher, l *ledger.Ledger, ex *extractor.Extractor, clk clock.Clock, opts Options) *Watcher {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.CoolDown <= 0 {
		opts.CoolDown = 144 * time.Hour
	}
	return &Watcher{fetcher: f, ledger: l, extractor: ex, clock: clk, opts: opts}
}

// WithMetrics enables metric collection
func (w *Watcher) WithMetrics(m *metrics.Metrics) *Watcher {
	w.metrics = m
	return w
}

// CheckForNewEmails processes records left pending by an earlier run, then
// fetches and ingests new messages. Only records processed by this call are
// returned. Persistence failures abort the check and leave the checkpoint
// untouched.
func (w *Watcher) CheckForNewEmails(ctx context.Context) ([]Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	var results []Result

	pending, err := w.ledger.GetUnprocessedEmails(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		rec := &pending[i]
		logrus.Infof("Reprocessing pending email %s", rec.ExternalMessageID)
		res, ok, err := w.process(ctx, rec, messageFromRecord(rec), now)
		if err != nil {
			return results, err
		}
		if ok {
			results = append(results, res)
		}
	}

	since, err := w.since(ctx, now)
	if err != nil {
		return results, err
	}

	messages, err := w.fetcher.FetchNewEmails(ctx, since)
	if err != nil {
		if w.metrics != nil {
			w.metrics.EmailFetchFailures.Inc()
		}
		return results, fmt.Errorf("failed to fetch emails: %w", err)
	}
	logrus.Infof("Fetched %d emails since %s", len(messages), since.Format(time.RFC3339))

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, ok, err := w.ingest(ctx, msg, now)
		if err != nil {
			return results, err
		}
		if ok {
			results = append(results, res)
		}
	}

	if err := w.ledger.SetTime(ctx, CheckpointKey, now); err != nil {
		return results, err
	}
	return results, nil
}

func (w *Watcher) since(ctx context.Context, now time.Time) (time.Time, error) {
	checkpoint, ok, err := w.ledger.GetTime(ctx, CheckpointKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return now.Add(-w.opts.Lookback), nil
	}
	return checkpoint.Add(-w.opts.Overlap), nil
}

// ingest records msg and processes it unless it was handled before
func (w *Watcher) ingest(ctx context.Context, msg models.EmailMessage, now time.Time) (Result, bool, error) {
	if msg.ID == "" {
		logrus.Warnf("Skipping message without id (subject %q)", msg.Subject)
		return Result{}, false, nil
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	rec := &models.EmailRecord{
		ExternalMessageID: msg.ID,
		ReceivedAt:        receivedAt,
		Status:            models.EmailPending,
		Type:              models.EmailOther,
		Sender:            truncate(msg.From, 255),
		Subject:           truncate(msg.Subject, 512),
		RawContent:        w.extractor.Text(msg),
	}

	stored, created, err := w.ledger.CreateEmailRecord(ctx, rec)
	if err != nil {
		return Result{}, false, err
	}
	if !created && stored.Status != models.EmailPending {
		logrus.Debugf("Email %s already processed, skipping", msg.ID)
		return Result{}, false, nil
	}
	return w.process(ctx, stored, msg, now)
}

// process classifies rec, stores its codes and marks it processed
func (w *Watcher) process(ctx context.Context, rec *models.EmailRecord, msg models.EmailMessage, now time.Time) (Result, bool, error) {
	text := w.extractor.Text(msg)
	rec.Type = w.extractor.Classify(msg, text)
	if rec.Type == models.EmailOther && w.extractor.LooksLikeDelivery(msg, text) {
		logrus.WithField("subject", msg.Subject).Warnf("Email %s looks like a gift card delivery but no valid code was found", rec.ExternalMessageID)
	}

	var codes []*models.GiftCardCode
	switch rec.Type {
	case models.EmailGiftCardDelivery:
		for _, ex := range w.extractor.ExtractCodes(text) {
			codes = append(codes, &models.GiftCardCode{
				Code:             ex.Code,
				Value:            ex.Value,
				ExtractedAt:      now,
				RedemptionStatus: models.RedemptionPending,
			})
		}
		related, err := w.deliveryPurchase(ctx, rec.ReceivedAt)
		if err != nil {
			return Result{}, false, err
		}
		rec.RelatedPurchaseID = related

	case models.EmailPurchaseConfirmation:
		if orderID := w.extractor.ExtractOrderID(text); orderID != "" {
			attempt, err := w.ledger.FindPurchaseByOrderID(ctx, orderID)
			if err != nil {
				return Result{}, false, err
			}
			if attempt != nil {
				rec.RelatedPurchaseID = &attempt.ID
			} else {
				logrus.Infof("Order confirmation %s does not match a recorded purchase", orderID)
			}
		}
	}

	created, err := w.ledger.CompleteEmail(ctx, rec, codes, now)
	if errors.Is(err, ledger.ErrStaleState) {
		logrus.Debugf("Email %s was processed concurrently, skipping", rec.ExternalMessageID)
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to complete email %s: %w", rec.ExternalMessageID, err)
	}

	duplicates := len(codes) - len(created)
	if w.metrics != nil {
		w.metrics.EmailsProcessed.WithLabelValues(string(rec.Type)).Inc()
		w.metrics.CodesExtracted.Add(float64(len(created)))
		w.metrics.DuplicateCodes.Add(float64(duplicates))
	}

	if rec.Type == models.EmailGiftCardDelivery {
		for _, c := range created {
			logrus.Infof("Stored gift card code %s (value %s) from email %s", logging.MaskCode(c.Code), c.Value.StringFixed(2), rec.ExternalMessageID)
		}
	}
	logrus.Infof("Processed email %s as %s: %d new codes, %d duplicates", rec.ExternalMessageID, rec.Type, len(created), duplicates)

	return Result{Email: rec, Codes: created, Duplicates: duplicates}, true, nil
}

// deliveryPurchase links a delivery to the latest completed purchase when it
// arrived within the cool-down window of that purchase
func (w *Watcher) deliveryPurchase(ctx context.Context, receivedAt time.Time) (*uint, error) {
	attempt, err := w.ledger.GetLatestCompletedPurchase(ctx)
	if err != nil || attempt == nil || attempt.AttemptedAt == nil {
		return nil, err
	}
	if receivedAt.Sub(*attempt.AttemptedAt) > w.opts.CoolDown {
		return nil, nil
	}
	id := attempt.ID
	return &id, nil
}

func messageFromRecord(rec *models.EmailRecord) models.EmailMessage {
	return models.EmailMessage{
		ID:         rec.ExternalMessageID,
		Subject:    rec.Subject,
		From:       rec.Sender,
		Body:       rec.RawContent,
		ReceivedAt: rec.ReceivedAt,
	}
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
