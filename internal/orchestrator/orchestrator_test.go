package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftcard-autopilot-go/internal/automation"
	"giftcard-autopilot-go/internal/clock"
	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/db"
	"giftcard-autopilot-go/internal/extractor"
	"giftcard-autopilot-go/internal/ledger"
	"giftcard-autopilot-go/internal/metrics"
	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/notifier"
	"giftcard-autopilot-go/internal/scheduler"
	"giftcard-autopilot-go/internal/session"
	"giftcard-autopilot-go/internal/watcher"
)

var start = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type noteRecorder struct {
	mu    sync.Mutex
	notes []notifier.Notification
}

func (r *noteRecorder) Send(n notifier.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *noteRecorder) ofType(t notifier.Type) []notifier.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifier.Notification
	for _, n := range r.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (r *noteRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type fakePurchaser struct {
	mu      sync.Mutex
	results []automation.Result
	calls   int
	panics  bool
}

func (p *fakePurchaser) Purchase(ctx context.Context, lease *session.Lease) automation.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.panics {
		panic("nil page")
	}
	if len(p.results) == 0 {
		return automation.Failed(automation.KindTransient, "no scripted result")
	}
	res := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return res
}

func (p *fakePurchaser) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeRedeemer struct {
	mu      sync.Mutex
	results map[string][]automation.Result
	calls   []string

	// when set, Redeem reports the code on entered and blocks until gate closes
	entered chan string
	gate    chan struct{}
}

func (r *fakeRedeemer) Redeem(ctx context.Context, lease *session.Lease, code models.GiftCardCode) automation.Result {
	r.mu.Lock()
	r.calls = append(r.calls, code.Code)
	res := automation.Succeeded("RED-"+code.Code[:4], decimal.NewNullDecimal(code.Value))
	if queue := r.results[code.Code]; len(queue) > 0 {
		res = queue[0]
		r.results[code.Code] = queue[1:]
	}
	r.mu.Unlock()

	if r.entered != nil {
		r.entered <- code.Code
		<-r.gate
	}
	return res
}

func (r *fakeRedeemer) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeFetcher struct {
	messages []models.EmailMessage
}

func (f *fakeFetcher) FetchNewEmails(ctx context.Context, since time.Time) ([]models.EmailMessage, error) {
	return f.messages, nil
}

func (f *fakeFetcher) Close() error { return nil }

type harness struct {
	o         *Orchestrator
	ledger    *ledger.Ledger
	clock     *clock.Fake
	sched     *scheduler.Scheduler
	notes     *noteRecorder
	purchaser *fakePurchaser
	redeemer  *fakeRedeemer
	fetcher   *fakeFetcher
	sessions  *session.Manager
	metrics   *metrics.Metrics
}

func testConfig() Config {
	return Config{
		CoolDown:          144 * time.Hour,
		MaxRetries:        3,
		BackoffMultiplier: 2,
		BaseDelay:         15 * time.Minute,
		SessionWait:       time.Second,
		BusyRetryDelay:    5 * time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gdb, err := db.Init(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "orchestrator.db")})
	require.NoError(t, err)

	h := &harness{
		ledger:    ledger.New(gdb),
		clock:     clock.NewFake(start),
		notes:     &noteRecorder{},
		purchaser: &fakePurchaser{},
		redeemer:  &fakeRedeemer{results: map[string][]automation.Result{}},
		fetcher:   &fakeFetcher{},
		sessions:  session.NewManager(nil),
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	h.sched = scheduler.New(h.clock)
	w := watcher.New(h.fetcher, h.ledger, extractor.New(extractor.DefaultOptions()), h.clock, watcher.Options{})

	h.o, err = New(cfg, Deps{
		Ledger:    h.ledger,
		Watcher:   w,
		Purchaser: h.purchaser,
		Redeemer:  h.redeemer,
		Sessions:  h.sessions,
		Scheduler: h.sched,
		Notifier:  h.notes,
		Clock:     h.clock,
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) attempts(t *testing.T) []models.PurchaseAttempt {
	t.Helper()
	list, err := h.ledger.ListPurchaseAttempts(context.Background(), 100)
	require.NoError(t, err)
	return list
}

func (h *harness) completedAt(t *testing.T, at time.Time) *models.PurchaseAttempt {
	t.Helper()
	ctx := context.Background()
	a := &models.PurchaseAttempt{ScheduledAt: at, Status: models.PurchasePending}
	require.NoError(t, h.ledger.CreatePurchaseAttempt(ctx, a))
	a.Status = models.PurchaseInProgress
	a.AttemptedAt = &at
	require.NoError(t, h.ledger.UpdatePurchaseAttempt(ctx, a, models.PurchasePending))
	a.Status = models.PurchaseCompleted
	require.NoError(t, h.ledger.UpdatePurchaseAttempt(ctx, a, models.PurchaseInProgress))
	return a
}

func (h *harness) seedCode(t *testing.T, code string, value int64) *models.GiftCardCode {
	t.Helper()
	ctx := context.Background()
	rec, _, err := h.ledger.CreateEmailRecord(ctx, &models.EmailRecord{
		ExternalMessageID: "seed-" + code,
		ReceivedAt:        start,
		Type:              models.EmailGiftCardDelivery,
	})
	require.NoError(t, err)
	c := &models.GiftCardCode{Code: code, Value: decimal.NewFromInt(value), ExtractedAt: start}
	created, err := h.ledger.CompleteEmail(ctx, rec, []*models.GiftCardCode{c}, start)
	require.NoError(t, err)
	require.Len(t, created, 1)
	return c
}

func TestShouldSkipPurchase(t *testing.T) {
	now := start
	ago := func(d time.Duration) *time.Time {
		at := now.Add(-d)
		return &at
	}
	coolDown := 6 * 24 * time.Hour

	tests := []struct {
		name   string
		latest *models.PurchaseAttempt
		skip   bool
	}{
		{"no history", nil, false},
		{"completed 3 days ago", &models.PurchaseAttempt{Status: models.PurchaseCompleted, AttemptedAt: ago(3 * 24 * time.Hour)}, true},
		{"completed 7 days ago", &models.PurchaseAttempt{Status: models.PurchaseCompleted, AttemptedAt: ago(7 * 24 * time.Hour)}, false},
		{"failed yesterday", &models.PurchaseAttempt{Status: models.PurchaseFailed, AttemptedAt: ago(24 * time.Hour)}, false},
		{"in progress", &models.PurchaseAttempt{Status: models.PurchaseInProgress, AttemptedAt: ago(time.Minute)}, false},
		{"pending retry", &models.PurchaseAttempt{Status: models.PurchasePending}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skip, reason := ShouldSkipPurchase(tt.latest, now, coolDown)
			assert.Equal(t, tt.skip, skip)
			if skip {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{automation.Succeeded("ORD-1", decimal.NewNullDecimal(decimal.NewFromInt(100)))}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))

	latest, err := h.ledger.GetLatestPurchaseAttempt(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, latest.Status)
	require.NotNil(t, latest.ExternalOrderID)
	assert.Equal(t, "ORD-1", *latest.ExternalOrderID)
	assert.True(t, latest.TotalAmount.Decimal.Equal(decimal.NewFromInt(100)))

	h.clock.Advance(2 * time.Hour)
	h.fetcher.messages = []models.EmailMessage{{
		ID:         "m1",
		From:       "gifts@shop.example.com",
		Subject:    "Your eGift card",
		Body:       "Your gift card is ready.\nCode: ABCD1234EFGH5678\nAmount: $100.00",
		ReceivedAt: start.Add(time.Hour),
	}}
	require.NoError(t, h.o.RunEmailCycle(ctx))

	emails, err := h.ledger.ListEmailRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, models.EmailGiftCardDelivery, emails[0].Type)
	assert.Equal(t, models.EmailProcessed, emails[0].Status)
	require.NotNil(t, emails[0].RelatedPurchaseID)
	assert.Equal(t, latest.ID, *emails[0].RelatedPurchaseID)

	codes, err := h.ledger.ListGiftCardCodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "ABCD1234EFGH5678", codes[0].Code)
	assert.True(t, codes[0].Value.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, models.RedemptionRedeemed, codes[0].RedemptionStatus)
	assert.Equal(t, 1, codes[0].Attempts)
	assert.Equal(t, []string{"ABCD1234EFGH5678"}, h.redeemer.called())

	assert.Len(t, h.notes.ofType(notifier.TypeSuccess), 2)
	assert.Len(t, h.notes.ofType(notifier.TypeInfo), 1)
	assert.Empty(t, h.notes.ofType(notifier.TypeError))
}

func TestExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{automation.Failed(automation.KindTransient, "step 6 (click) failed: timeout")}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))

	first := h.attempts(t)
	require.Len(t, first, 2)
	retry := first[0]
	assert.Equal(t, models.PurchasePending, retry.Status)
	assert.Equal(t, TriggerRetry, retry.Trigger)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, start.Add(30*time.Minute), h.sched.NextRun(fmt.Sprintf("purchase-retry-%d", retry.ID)))
	require.NotNil(t, first[1].NextRetryAt)
	assert.True(t, first[1].NextRetryAt.Equal(start.Add(30*time.Minute)))

	count, err := h.ledger.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, h.sched.RunDue(ctx))

	count, err = h.ledger.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	h.clock.Advance(60 * time.Minute)
	assert.Equal(t, 1, h.sched.RunDue(ctx))

	all := h.attempts(t)
	require.Len(t, all, 3)
	for _, a := range all {
		assert.Equal(t, models.PurchaseFailed, a.Status)
		assert.LessOrEqual(t, a.RetryCount, 3)
	}
	assert.Equal(t, 3, h.purchaser.callCount())

	count, err = h.ledger.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// one elevated notification and nothing for the intermediate failures
	assert.Equal(t, 1, h.notes.count())
	elevated := h.notes.ofType(notifier.TypeError)
	require.Len(t, elevated, 1)
	assert.Contains(t, elevated[0].Message, "same error")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RetriesExhausted.WithLabelValues("purchase")))

	// nothing left to fire
	h.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, h.sched.RunDue(ctx))
}

func TestVariedFailuresEscalateAsWarning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{
		automation.Failed(automation.KindTransient, "navigation timeout"),
		automation.Failed(automation.KindTransient, "site returned 503"),
		automation.Failed(automation.KindTransient, "navigation timeout"),
	}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))
	h.clock.Advance(30 * time.Minute)
	h.sched.RunDue(ctx)
	h.clock.Advance(60 * time.Minute)
	h.sched.RunDue(ctx)

	assert.Empty(t, h.notes.ofType(notifier.TypeError))
	require.Len(t, h.notes.ofType(notifier.TypeWarning), 1)
}

func TestSuccessfulRetryResetsCounter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{
		automation.Failed(automation.KindTransient, "timeout"),
		automation.Succeeded("ORD-2", decimal.NullDecimal{}),
	}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))
	h.clock.Advance(30 * time.Minute)
	require.Equal(t, 1, h.sched.RunDue(ctx))

	latest, err := h.ledger.GetLatestPurchaseAttempt(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, latest.Status)
	assert.Equal(t, TriggerRetry, latest.Trigger)

	count, err := h.ledger.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Len(t, h.notes.ofType(notifier.TypeSuccess), 1)
}

func TestCoolDown(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, testConfig())
	h.completedAt(t, start.Add(-3*24*time.Hour))
	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerManual))
	assert.Equal(t, 0, h.purchaser.callCount())
	all := h.attempts(t)
	require.Len(t, all, 2)
	assert.Equal(t, models.PurchaseSkipped, all[0].Status)
	assert.Equal(t, TriggerManual, all[0].Trigger)

	// the skip row does not hide the completed attempt
	latest, err := h.ledger.GetLatestPurchaseAttempt(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, latest.Status)

	h2 := newHarness(t, testConfig())
	h2.completedAt(t, start.Add(-7*24*time.Hour))
	h2.purchaser.results = []automation.Result{automation.Succeeded("ORD-3", decimal.NullDecimal{})}
	require.NoError(t, h2.o.RunPurchaseCycle(ctx, TriggerScheduled))
	assert.Equal(t, 1, h2.purchaser.callCount())
}

func TestRetrySkippedWhenPurchaseCompletedMeanwhile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{
		automation.Failed(automation.KindTransient, "timeout"),
		automation.Succeeded("ORD-4", decimal.NullDecimal{}),
	}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))
	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerManual))
	assert.Equal(t, 2, h.purchaser.callCount())

	h.clock.Advance(30 * time.Minute)
	h.sched.RunDue(ctx)
	assert.Equal(t, 2, h.purchaser.callCount())

	pending, err := h.ledger.GetPendingPurchaseAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCredentialFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{automation.Failed(automation.KindCredentials, "credentials not found: retailer")}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))

	all := h.attempts(t)
	require.Len(t, all, 1)
	assert.Equal(t, models.PurchaseFailed, all[0].Status)
	assert.Nil(t, all[0].NextRetryAt)
	assert.Empty(t, h.sched.Entries())
	assert.Len(t, h.notes.ofType(notifier.TypeError), 1)

	count, err := h.ledger.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUnclassifiedFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{{ErrorMessage: "site returned 503"}}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))

	pending, err := h.ledger.GetPendingPurchaseAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TriggerRetry, pending[0].Trigger)
	assert.Equal(t, start.Add(30*time.Minute), h.sched.NextRun(fmt.Sprintf("purchase-retry-%d", pending[0].ID)))
	assert.Empty(t, h.notes.ofType(notifier.TypeError))

	count, err := h.ledger.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPurchaserPanicIsContained(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.panics = true

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))

	all := h.attempts(t)
	require.Len(t, all, 2)
	assert.Equal(t, models.PurchaseFailed, all[1].Status)
	assert.Contains(t, all[1].ErrorMessage, "panicked")
	assert.Equal(t, models.PurchasePending, all[0].Status)
	assert.False(t, h.sessions.Busy())
}

func TestCaptchaBlockNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{automation.Failed(automation.KindCaptcha, "CAPTCHA requires manual intervention (unattended mode)")}

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))
	warnings := h.notes.ofType(notifier.TypeWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Title, "CAPTCHA")
	assert.Equal(t, 1, h.notes.count())

	pending, err := h.ledger.GetPendingPurchaseAttempts(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSessionBusyDefersPurchase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SessionWait = 20 * time.Millisecond
	h := newHarness(t, cfg)

	lease, ok := h.sessions.TryAcquire("redemption")
	require.True(t, ok)
	defer lease.Release()

	require.NoError(t, h.o.RunPurchaseCycle(ctx, TriggerScheduled))
	assert.Equal(t, 0, h.purchaser.callCount())
	assert.Empty(t, h.attempts(t))
	assert.Equal(t, start.Add(5*time.Minute), h.sched.NextRun("purchase-busy"))
}

func TestRedemptionTerminality(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	done := h.seedCode(t, "AAAA1111BBBB2222", 50)
	done.RedemptionStatus = models.RedemptionRedeemed
	require.NoError(t, h.ledger.UpdateGiftCardCode(ctx, done, models.RedemptionPending))
	h.seedCode(t, "CCCC3333DDDD4444", 25)

	require.NoError(t, h.o.RunRedemptionCycle(ctx, false))
	assert.Equal(t, []string{"CCCC3333DDDD4444"}, h.redeemer.called())

	require.NoError(t, h.o.RunRedemptionCycle(ctx, false))
	require.NoError(t, h.o.RunRedemptionCycle(ctx, true))
	assert.Equal(t, []string{"CCCC3333DDDD4444"}, h.redeemer.called())
}

func TestRejectedCodeExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	c := h.seedCode(t, "EEEE5555FFFF6666", 10)
	h.redeemer.results[c.Code] = []automation.Result{automation.Failed(automation.KindRejected, "platform rejected: code already used")}

	require.NoError(t, h.o.RunRedemptionCycle(ctx, false))

	got, err := h.ledger.GetGiftCardCode(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionExpired, got.RedemptionStatus)
	assert.True(t, h.sched.NextRun(EntryRedemptionRetry).IsZero())
	assert.Len(t, h.notes.ofType(notifier.TypeWarning), 1)

	count, err := h.ledger.GetCounter(ctx, "redemption_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRedemptionRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	c := h.seedCode(t, "GGGG7777HHHH8888", 20)
	h.redeemer.results[c.Code] = []automation.Result{automation.Failed(automation.KindTransient, "redeem button not found")}

	require.NoError(t, h.o.RunRedemptionCycle(ctx, false))

	got, err := h.ledger.GetGiftCardCode(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionFailed, got.RedemptionStatus)
	assert.Equal(t, 1, got.Attempts)

	next, ok, err := h.ledger.GetTime(ctx, "redemption_next_retry_at")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(start.Add(30*time.Minute)))
	assert.Equal(t, start.Add(30*time.Minute), h.sched.NextRun(EntryRedemptionRetry))

	// a regular sweep leaves failed codes alone
	require.NoError(t, h.o.RunRedemptionCycle(ctx, false))
	assert.Len(t, h.redeemer.called(), 1)

	h.clock.Advance(30 * time.Minute)
	require.Equal(t, 1, h.sched.RunDue(ctx))

	got, err = h.ledger.GetGiftCardCode(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionRedeemed, got.RedemptionStatus)
	assert.Equal(t, 2, got.Attempts)

	_, ok, err = h.ledger.GetTime(ctx, "redemption_next_retry_at")
	require.NoError(t, err)
	assert.False(t, ok)
	count, err := h.ledger.GetCounter(ctx, "redemption_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestQueuedSweepSkipsCodeFailedMeanwhile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	c := h.seedCode(t, "JJJJ9999KKKK0000", 40)
	h.redeemer.results[c.Code] = []automation.Result{automation.Failed(automation.KindTransient, "redeem button not found")}
	h.redeemer.entered = make(chan string, 1)
	h.redeemer.gate = make(chan struct{})

	errs := make(chan error, 2)
	go func() { errs <- h.o.RunRedemptionCycle(ctx, false) }()
	assert.Equal(t, c.Code, <-h.redeemer.entered)

	// the second sweep sees the code pending and queues on the session
	go func() { errs <- h.o.RunRedemptionCycle(ctx, false) }()
	time.Sleep(50 * time.Millisecond)
	close(h.redeemer.gate)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, []string{c.Code}, h.redeemer.called())
	got, err := h.ledger.GetGiftCardCode(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionFailed, got.RedemptionStatus)
	assert.Equal(t, 1, got.Attempts)

	count, err := h.ledger.GetCounter(ctx, "redemption_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEmailCheckWaitsForSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SessionWait = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.fetcher.messages = []models.EmailMessage{{
		ID:         "m1",
		From:       "gifts@shop.example.com",
		Subject:    "Your eGift card",
		Body:       "Claim code ABCD1234EFGH5678 worth $100",
		ReceivedAt: start,
	}}

	lease, ok := h.sessions.TryAcquire("redemption")
	require.True(t, ok)

	require.NoError(t, h.o.RunEmailCycle(ctx))
	emails, err := h.ledger.ListEmailRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, emails)
	assert.Equal(t, start.Add(5*time.Minute), h.sched.NextRun(EntryEmailBusy))

	require.NoError(t, lease.Release())
	h.clock.Advance(5 * time.Minute)
	require.Equal(t, 1, h.sched.RunDue(ctx))

	emails, err = h.ledger.ListEmailRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, models.EmailProcessed, emails[0].Status)
	assert.Equal(t, []string{"ABCD1234EFGH5678"}, h.redeemer.called())
	assert.False(t, h.sessions.Busy())
}

func TestDuplicateReplayThroughEmailCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	msg := models.EmailMessage{
		ID:         "m1",
		From:       "gifts@shop.example.com",
		Subject:    "Your eGift card",
		Body:       "Claim code ABCD1234EFGH5678 worth $100",
		ReceivedAt: start,
	}
	h.fetcher.messages = []models.EmailMessage{msg}

	require.NoError(t, h.o.RunEmailCycle(ctx))
	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.o.RunEmailCycle(ctx))

	emails, err := h.ledger.ListEmailRecords(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, emails, 1)
	codes, err := h.ledger.ListGiftCardCodes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, codes, 1)
	assert.Len(t, h.redeemer.called(), 1)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	interrupted := &models.PurchaseAttempt{ScheduledAt: start.Add(-time.Hour), Status: models.PurchasePending}
	require.NoError(t, h.ledger.CreatePurchaseAttempt(ctx, interrupted))
	at := start.Add(-time.Hour)
	interrupted.Status = models.PurchaseInProgress
	interrupted.AttemptedAt = &at
	require.NoError(t, h.ledger.UpdatePurchaseAttempt(ctx, interrupted, models.PurchasePending))

	retry := &models.PurchaseAttempt{ScheduledAt: start.Add(-10 * time.Minute), Status: models.PurchasePending, Trigger: TriggerRetry, RetryCount: 1}
	require.NoError(t, h.ledger.CreatePurchaseAttempt(ctx, retry))
	require.NoError(t, h.ledger.SetTime(ctx, "redemption_next_retry_at", start.Add(time.Hour)))

	require.NoError(t, h.o.Recover(ctx))

	got, err := h.ledger.GetPurchaseAttempt(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.ErrorMessage)
	assert.Len(t, h.notes.ofType(notifier.TypeError), 1)

	assert.Equal(t, start, h.sched.NextRun(fmt.Sprintf("purchase-retry-%d", retry.ID)))
	assert.Equal(t, start.Add(time.Hour), h.sched.NextRun(EntryRedemptionRetry))

	h.purchaser.results = []automation.Result{automation.Succeeded("ORD-9", decimal.NullDecimal{})}
	require.Equal(t, 1, h.sched.RunDue(ctx))
	got, err = h.ledger.GetPurchaseAttempt(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, got.Status)
}

func TestTriggersCoalesce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.purchaser.results = []automation.Result{automation.Succeeded("ORD-5", decimal.NullDecimal{})}

	require.NoError(t, h.o.TriggerPurchase())
	require.NoError(t, h.o.TriggerPurchase())
	require.NoError(t, h.o.TriggerEmailCheck())
	require.NoError(t, h.o.TriggerRedemption())
	assert.Len(t, h.sched.Entries(), 3)

	assert.Equal(t, 3, h.sched.RunDue(ctx))
	assert.Equal(t, 1, h.purchaser.callCount())
}

func TestRegisterAndStatus(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	sc := config.ScheduleConfig{PurchaseCron: "0 9 * * 1", Timezone: "UTC"}
	sched, err := sc.PurchaseSchedule()
	require.NoError(t, err)
	cfg.PurchaseSchedule = sched
	cfg.EmailPollInterval = 5 * time.Minute
	cfg.RedemptionInterval = 30 * time.Minute
	h := newHarness(t, cfg)

	require.NoError(t, h.o.Register())
	assert.Equal(t, start.Add(7*24*time.Hour), h.sched.NextRun(EntryPurchase))
	assert.Equal(t, start.Add(5*time.Minute), h.sched.NextRun(EntryEmailPoll))
	assert.Equal(t, start.Add(30*time.Minute), h.sched.NextRun(EntryRedemptionSweep))

	st, err := h.o.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Entries, 3)
	assert.False(t, st.SessionBusy)
	assert.Equal(t, 0, st.PurchaseRetryCount)
}
