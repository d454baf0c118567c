// Package orchestrator is the control loop that decides when to buy, ingests
// delivery e-mails and redeems codes. It keeps no entity state between
// cycles: every decision re-reads the ledger.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"giftcard-autopilot-go/internal/automation"
	"giftcard-autopilot-go/internal/clock"
	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/metrics"
	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/notifier"
	"giftcard-autopilot-go/internal/scheduler"
	"giftcard-autopilot-go/internal/session"
	"giftcard-autopilot-go/internal/watcher"
)

// Trigger values recorded on purchase attempts
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerRetry     = "retry"
)

// Scheduler entry names
const (
	EntryPurchase        = "purchase"
	EntryEmailPoll       = "email-poll"
	EntryRedemptionSweep = "redemption-sweep"
	EntryRedemptionRetry = "redemption-retry"
	EntryEmailBusy       = "email-busy"
)

// Config holds the orchestration policy
type Config struct {
	CoolDown           time.Duration
	MaxRetries         int
	BackoffMultiplier  float64
	BaseDelay          time.Duration
	RedemptionDelayMin time.Duration
	RedemptionDelayMax time.Duration
	SessionWait        time.Duration
	BusyRetryDelay     time.Duration
	PurchaseTimeout    time.Duration
	RedemptionTimeout  time.Duration
	EmailPollInterval  time.Duration
	RedemptionInterval time.Duration
	PurchaseSchedule   cron.Schedule
}

// ConfigFromSchedule converts the validated schedule section
func ConfigFromSchedule(cfg config.ScheduleConfig) (Config, error) {
	sched, err := cfg.PurchaseSchedule()
	if err != nil {
		return Config{}, err
	}
	return Config{
		CoolDown:           cfg.CoolDown,
		MaxRetries:         cfg.MaxRetries,
		BackoffMultiplier:  cfg.BackoffMultiplier,
		BaseDelay:          cfg.BaseDelay,
		RedemptionDelayMin: cfg.RedemptionDelayMin,
		RedemptionDelayMax: cfg.RedemptionDelayMax,
		SessionWait:        cfg.SessionWait,
		BusyRetryDelay:     cfg.BusyRetryDelay,
		PurchaseTimeout:    cfg.PurchaseTimeout,
		RedemptionTimeout:  cfg.RedemptionTimeout,
		EmailPollInterval:  cfg.EmailPollInterval,
		RedemptionInterval: cfg.RedemptionInterval,
		PurchaseSchedule:   sched,
	}, nil
}

func (c *Config) applyDefaults() {
	if c.CoolDown <= 0 {
		c.CoolDown = 144 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 15 * time.Minute
	}
	if c.RedemptionDelayMax < c.RedemptionDelayMin {
		c.RedemptionDelayMax = c.RedemptionDelayMin
	}
	if c.SessionWait <= 0 {
		c.SessionWait = 10 * time.Minute
	}
	if c.BusyRetryDelay <= 0 {
		c.BusyRetryDelay = 5 * time.Minute
	}
	if c.PurchaseTimeout <= 0 {
		c.PurchaseTimeout = 15 * time.Minute
	}
	if c.RedemptionTimeout <= 0 {
		c.RedemptionTimeout = 10 * time.Minute
	}
}

// EmailWatcher ingests new inbox messages
type EmailWatcher interface {
	CheckForNewEmails(ctx context.Context) ([]watcher.Result, error)
}

// Deps are the collaborators the orchestrator drives. Scheduler, Notifier,
// Clock and Metrics get working defaults when nil.
type Deps struct {
	Ledger    *ledger.Ledger
	Watcher   EmailWatcher
	Purchaser automation.Purchaser
	Redeemer  automation.Redeemer
	Sessions  *session.Manager
	Scheduler *scheduler.Scheduler
	Notifier  notifier.Sender
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// Orchestrator coordinates purchases, inbox polling and redemptions
type Orchestrator struct {
	cfg       Config
	ledger    *ledger.Ledger
	watcher   EmailWatcher
	purchaser automation.Purchaser
	redeemer  automation.Redeemer
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
	notifier  notifier.Sender
	clock     clock.Clock
	metrics   *metrics.Metrics
	group     singleflight.Group
}

// New creates an orchestrator
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("orchestrator requires a ledger")
	}
	cfg.applyDefaults()

	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(deps.Clock)
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.New(time.Second, notifier.LogChannel{})
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(nil)
	}

	return &Orchestrator{
		cfg:       cfg,
		ledger:    deps.Ledger,
		watcher:   deps.Watcher,
		purchaser: deps.Purchaser,
		redeemer:  deps.Redeemer,
		sessions:  deps.Sessions,
		scheduler: deps.Scheduler,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
	}, nil
}

// Scheduler returns the timer queue the orchestrator schedules onto
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	return o.scheduler
}

// Register adds the recurring purchase, inbox poll and redemption sweep
// entries to the scheduler
func (o *Orchestrator) Register() error {
	if o.cfg.PurchaseSchedule != nil {
		if err := o.scheduler.AddSchedule(EntryPurchase, o.cfg.PurchaseSchedule, o.purchaseJob(TriggerScheduled)); err != nil {
			return err
		}
	}
	if o.cfg.EmailPollInterval > 0 {
		if err := o.scheduler.Every(EntryEmailPoll, o.cfg.EmailPollInterval, o.emailJob()); err != nil {
			return err
		}
	}
	if o.cfg.RedemptionInterval > 0 {
		if err := o.scheduler.Every(EntryRedemptionSweep, o.cfg.RedemptionInterval, o.redemptionJob(false)); err != nil {
			return err
		}
	}
	return nil
}

// TriggerPurchase queues an out-of-band purchase cycle. Repeated triggers
// before it runs collapse into one.
func (o *Orchestrator) TriggerPurchase() error {
	return o.scheduler.ScheduleOnce("manual-purchase", o.clock.Now(), o.purchaseJob(TriggerManual))
}

// TriggerEmailCheck queues an out-of-band inbox check
func (o *Orchestrator) TriggerEmailCheck() error {
	return o.scheduler.ScheduleOnce("manual-email-check", o.clock.Now(), o.emailJob())
}

// TriggerRedemption queues an out-of-band redemption sweep
func (o *Orchestrator) TriggerRedemption() error {
	return o.scheduler.ScheduleOnce("manual-redemption", o.clock.Now(), o.redemptionJob(false))
}

func (o *Orchestrator) purchaseJob(trigger string) scheduler.Job {
	return func(ctx context.Context) {
		_, err, shared := o.group.Do("purchase", func() (interface{}, error) {
			return nil, o.RunPurchaseCycle(ctx, trigger)
		})
		if shared {
			logrus.Infof("Purchase trigger (%s) joined an in-flight purchase cycle", trigger)
		}
		if err != nil {
			logrus.Errorf("Purchase cycle failed: %v", err)
		}
	}
}

func (o *Orchestrator) purchaseRetryJob(attemptID uint) scheduler.Job {
	return func(ctx context.Context) {
		key := fmt.Sprintf("purchase-retry-%d", attemptID)
		_, err, _ := o.group.Do(key, func() (interface{}, error) {
			return nil, o.runPurchase(ctx, TriggerRetry, attemptID)
		})
		if err != nil {
			logrus.Errorf("Purchase retry %d failed: %v", attemptID, err)
		}
	}
}

func (o *Orchestrator) emailJob() scheduler.Job {
	return func(ctx context.Context) {
		_, err, _ := o.group.Do("email", func() (interface{}, error) {
			return nil, o.RunEmailCycle(ctx)
		})
		if err != nil {
			logrus.Errorf("Email cycle failed: %v", err)
		}
	}
}

func (o *Orchestrator) redemptionJob(retry bool) scheduler.Job {
	key := "redemption"
	if retry {
		key = "redemption-retry"
	}
	return func(ctx context.Context) {
		_, err, _ := o.group.Do(key, func() (interface{}, error) {
			return nil, o.RunRedemptionCycle(ctx, retry)
		})
		if err != nil {
			logrus.Errorf("Redemption cycle failed: %v", err)
		}
	}
}

// ShouldSkipPurchase reports whether latest makes a new purchase unnecessary:
// it completed less than coolDown before now. Any other state proceeds.
func ShouldSkipPurchase(latest *models.PurchaseAttempt, now time.Time, coolDown time.Duration) (bool, string) {
	if latest == nil || latest.Status != models.PurchaseCompleted || latest.AttemptedAt == nil {
		return false, ""
	}
	elapsed := now.Sub(*latest.AttemptedAt)
	if elapsed < coolDown {
		return true, fmt.Sprintf("purchase %d completed %s ago, within the %s cool-down", latest.ID, elapsed.Round(time.Minute), coolDown)
	}
	return false, ""
}

// Recover reconciles state left by a previous process: interrupted purchases
// are failed without retry, pending retries are rescheduled and pending
// e-mails are queued for reprocessing
func (o *Orchestrator) Recover(ctx context.Context) error {
	now := o.clock.Now()

	inFlight, err := o.ledger.GetInProgressPurchaseAttempts(ctx)
	if err != nil {
		return err
	}
	if len(inFlight) > 0 {
		ids := make([]string, 0, len(inFlight))
		for i := range inFlight {
			a := &inFlight[i]
			a.Status = models.PurchaseFailed
			a.ErrorMessage = "interrupted by restart"
			if err := o.ledger.UpdatePurchaseAttempt(ctx, a, models.PurchaseInProgress); err != nil {
				return err
			}
			ids = append(ids, fmt.Sprint(a.ID))
		}
		logrus.Warnf("Marked %d interrupted purchase attempts as failed: %v", len(inFlight), ids)
		o.notifier.Send(notifier.Notification{
			Type:    notifier.TypeError,
			Title:   "Purchase interrupted by restart",
			Message: "A purchase was in progress when the process stopped. Check the retailer account to verify whether the order went through; it will not be retried automatically.",
			Metadata: map[string]string{
				"attempt_ids": fmt.Sprint(ids),
			},
		})
	}

	pending, err := o.ledger.GetPendingPurchaseAttempts(ctx)
	if err != nil {
		return err
	}
	for _, a := range pending {
		runAt := a.ScheduledAt
		if runAt.Before(now) {
			runAt = now
		}
		if err := o.scheduler.ScheduleOnce(fmt.Sprintf("purchase-retry-%d", a.ID), runAt, o.purchaseRetryJob(a.ID)); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		logrus.Infof("Rescheduled %d pending purchase attempts", len(pending))
	}

	next, ok, err := o.ledger.GetTime(ctx, redemptionNextRetryKey)
	if err != nil {
		return err
	}
	if ok {
		if next.Before(now) {
			next = now
		}
		if err := o.scheduler.ScheduleOnce(EntryRedemptionRetry, next, o.redemptionJob(true)); err != nil {
			return err
		}
		logrus.Infof("Rescheduled redemption retry at %s", next.Format(time.RFC3339))
	}

	emails, err := o.ledger.GetUnprocessedEmails(ctx)
	if err != nil {
		return err
	}
	if len(emails) > 0 {
		logrus.Infof("%d e-mails were left pending, queueing an inbox check", len(emails))
		return o.TriggerEmailCheck()
	}
	return nil
}

// Status summarises retry counters and the automation session
type Status struct {
	SessionBusy          bool                  `json:"session_busy"`
	SessionHolder        string                `json:"session_holder,omitempty"`
	PurchaseRetryCount   int                   `json:"purchase_retry_count"`
	RedemptionRetryCount int                   `json:"redemption_retry_count"`
	RedemptionNextRetry  *time.Time            `json:"redemption_next_retry,omitempty"`
	Entries              []scheduler.EntryInfo `json:"entries"`
	SchedulerRunning     bool                  `json:"scheduler_running"`
}

// Status reads the current orchestration status
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	purchaseCount, err := o.ledger.GetCounter(ctx, counterKey(opPurchase))
	if err != nil {
		return nil, err
	}
	redemptionCount, err := o.ledger.GetCounter(ctx, counterKey(opRedemption))
	if err != nil {
		return nil, err
	}
	st := &Status{
		SessionBusy:          o.sessions.Busy(),
		SessionHolder:        o.sessions.Holder(),
		PurchaseRetryCount:   purchaseCount,
		RedemptionRetryCount: redemptionCount,
		Entries:              o.scheduler.Entries(),
		SchedulerRunning:     o.scheduler.IsRunning(),
	}
	if next, ok, err := o.ledger.GetTime(ctx, redemptionNextRetryKey); err != nil {
		return nil, err
	} else if ok {
		st.RedemptionNextRetry = &next
	}
	return st, nil
}

// acquire takes the automation session, waiting at most SessionWait
func (o *Orchestrator) acquire(ctx context.Context, owner string) (*session.Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.SessionWait)
	defer cancel()
	return o.sessions.Acquire(waitCtx, owner)
}

// pause sleeps for the inter-redemption jitter on the orchestrator clock
func (o *Orchestrator) pause(ctx context.Context) error {
	d := o.cfg.RedemptionDelayMin
	if spread := o.cfg.RedemptionDelayMax - o.cfg.RedemptionDelayMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-o.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) observe(cycle string, start time.Time) {
	o.metrics.CycleDuration.WithLabelValues(cycle).Observe(o.clock.Now().Sub(start).Seconds())
}
