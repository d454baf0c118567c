package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/db"
	"giftcard-autopilot-go/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	gdb, err := db.Init(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	return New(gdb)
}

func newEmail(id string) *models.EmailRecord {
	return &models.EmailRecord{
		ExternalMessageID: id,
		ReceivedAt:        time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		Type:              models.EmailGiftCardDelivery,
		Subject:           "Your eGift card",
		RawContent:        "code ABCD1234EFGH5678 value $100",
	}
}

func TestPurchaseAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	attempt := &models.PurchaseAttempt{ScheduledAt: time.Now().UTC(), Status: models.PurchasePending}
	require.NoError(t, l.CreatePurchaseAttempt(ctx, attempt))
	require.NotZero(t, attempt.ID)
	assert.Equal(t, "scheduled", attempt.Trigger)

	now := time.Now().UTC()
	attempt.Status = models.PurchaseInProgress
	attempt.AttemptedAt = &now
	require.NoError(t, l.UpdatePurchaseAttempt(ctx, attempt, models.PurchasePending))

	order := "ORD-1"
	attempt.Status = models.PurchaseCompleted
	attempt.ExternalOrderID = &order
	attempt.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString("100.00"))
	require.NoError(t, l.UpdatePurchaseAttempt(ctx, attempt, models.PurchaseInProgress))

	stored, err := l.GetPurchaseAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, stored.Status)
	require.NotNil(t, stored.ExternalOrderID)
	assert.Equal(t, "ORD-1", *stored.ExternalOrderID)
	assert.True(t, stored.TotalAmount.Decimal.Equal(decimal.NewFromInt(100)))

	// completed rows are immutable
	attempt.Status = models.PurchaseFailed
	err = l.UpdatePurchaseAttempt(ctx, attempt, models.PurchaseCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	found, err := l.FindPurchaseByOrderID(ctx, "ORD-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, attempt.ID, found.ID)
}

func TestUpdatePurchaseAttemptSingleWriter(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	attempt := &models.PurchaseAttempt{ScheduledAt: time.Now(), Status: models.PurchaseInProgress}
	require.NoError(t, l.CreatePurchaseAttempt(ctx, attempt))

	first := *attempt
	first.Status = models.PurchaseCompleted
	require.NoError(t, l.UpdatePurchaseAttempt(ctx, &first, models.PurchaseInProgress))

	second := *attempt
	second.Status = models.PurchaseFailed
	err := l.UpdatePurchaseAttempt(ctx, &second, models.PurchaseInProgress)
	assert.ErrorIs(t, err, ErrStaleState)

	missing := models.PurchaseAttempt{ID: 9999, Status: models.PurchaseCompleted}
	assert.ErrorIs(t, l.UpdatePurchaseAttempt(ctx, &missing, models.PurchaseInProgress), ErrNotFound)
}

func TestGetLatestPurchaseAttemptIgnoresSkipped(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	latest, err := l.GetLatestPurchaseAttempt(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	completed := &models.PurchaseAttempt{ScheduledAt: time.Now(), Status: models.PurchaseCompleted}
	require.NoError(t, l.CreatePurchaseAttempt(ctx, completed))
	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{ScheduledAt: time.Now(), Status: models.PurchaseSkipped}))

	latest, err = l.GetLatestPurchaseAttempt(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, completed.ID, latest.ID)
}

func TestPendingAndInProgressAttempts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{ScheduledAt: base.Add(time.Hour), Status: models.PurchasePending}))
	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{ScheduledAt: base, Status: models.PurchasePending}))
	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{ScheduledAt: base, Status: models.PurchaseInProgress}))

	pending, err := l.GetPendingPurchaseAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, pending[0].ScheduledAt.Equal(base))

	inFlight, err := l.GetInProgressPurchaseAttempts(ctx)
	require.NoError(t, err)
	assert.Len(t, inFlight, 1)
}

func TestCreateEmailRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	first, created, err := l.CreateEmailRecord(ctx, newEmail("m1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.EmailPending, first.Status)

	second, created, err := l.CreateEmailRecord(ctx, newEmail("m1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	records, err := l.ListEmailRecords(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCompleteEmailStoresCodesAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	rec, _, err := l.CreateEmailRecord(ctx, newEmail("m1"))
	require.NoError(t, err)

	codes := []*models.GiftCardCode{
		{Code: "ABCD1234EFGH5678", Value: decimal.NewFromInt(100), ExtractedAt: time.Now()},
	}
	created, err := l.CompleteEmail(ctx, rec, codes, time.Now())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, rec.ID, created[0].SourceEmailID)

	processed, err := l.IsEmailProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, processed)

	unprocessed, err := l.GetUnprocessedEmails(ctx)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// completing again fails: the record is no longer pending
	_, err = l.CompleteEmail(ctx, rec, nil, time.Now())
	assert.ErrorIs(t, err, ErrStaleState)
	assert.Equal(t, models.EmailProcessed, rec.Status)
}

func TestCreateGiftCardCodeRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	code := &models.GiftCardCode{Code: "ABCD1234EFGH5678", Value: decimal.NewFromInt(50), ExtractedAt: time.Now(), SourceEmailID: 1}
	created, err := l.CreateGiftCardCode(ctx, code)
	require.NoError(t, err)
	assert.True(t, created)

	again := &models.GiftCardCode{Code: "ABCD1234EFGH5678", Value: decimal.NewFromInt(25), ExtractedAt: time.Now(), SourceEmailID: 2}
	created, err = l.CreateGiftCardCode(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, again.ID)

	dup, err := l.CheckDuplicateCode(ctx, "ABCD1234EFGH5678")
	require.NoError(t, err)
	assert.True(t, dup)

	all, err := l.ListGiftCardCodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Value.Equal(decimal.NewFromInt(50)))
}

func TestConcurrentDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := l.CreateGiftCardCode(ctx, &models.GiftCardCode{
				Code: "ZZZZ9999YYYY8888", Value: decimal.NewFromInt(10), ExtractedAt: time.Now(), SourceEmailID: uint(i + 1),
			})
			assert.NoError(t, err)
			results <- created
		}(i)
	}
	wg.Wait()
	close(results)

	inserted := 0
	for created := range results {
		if created {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
}

func TestGiftCardCodeTransitions(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	code := &models.GiftCardCode{Code: "ABCD1234EFGH5678", Value: decimal.NewFromInt(100), ExtractedAt: time.Now(), SourceEmailID: 1}
	_, err := l.CreateGiftCardCode(ctx, code)
	require.NoError(t, err)

	code.RedemptionStatus = models.RedemptionFailed
	code.Attempts = 1
	code.ErrorMessage = "timeout"
	require.NoError(t, l.UpdateGiftCardCode(ctx, code, models.RedemptionPending))

	retryable, err := l.GetRetryableGiftCardCodes(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, retryable, 1)

	pending, err := l.GetPendingGiftCardCodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	now := time.Now()
	redemptionID := "RED-1"
	code.RedemptionStatus = models.RedemptionRedeemed
	code.RedeemedAt = &now
	code.ExternalRedemptionID = &redemptionID
	code.Attempts = 2
	require.NoError(t, l.UpdateGiftCardCode(ctx, code, models.RedemptionFailed))

	code.RedemptionStatus = models.RedemptionFailed
	assert.ErrorIs(t, l.UpdateGiftCardCode(ctx, code, models.RedemptionRedeemed), ErrInvalidTransition)

	stored, err := l.GetGiftCardCode(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionRedeemed, stored.RedemptionStatus)
	assert.Equal(t, "ABCD1234EFGH5678", stored.Code)

	retryable, err = l.GetRetryableGiftCardCodes(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestSystemStateUpsert(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	n, err := l.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, l.SetCounter(ctx, "purchase_retry_count", 2))
	require.NoError(t, l.SetCounter(ctx, "purchase_retry_count", 3))
	n, err = l.GetCounter(ctx, "purchase_retry_count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ts := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	require.NoError(t, l.SetTime(ctx, "email_last_check", ts))
	got, ok, err := l.GetTime(ctx, "email_last_check")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ts.Equal(got))

	require.NoError(t, l.SetTime(ctx, "email_last_check", time.Time{}))
	_, ok, err = l.GetTime(ctx, "email_last_check")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStatistics(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	now := time.Now()

	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{
		ScheduledAt: now, AttemptedAt: &now, Status: models.PurchaseCompleted,
		TotalAmount: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}))
	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{ScheduledAt: now, Status: models.PurchaseFailed}))
	require.NoError(t, l.CreatePurchaseAttempt(ctx, &models.PurchaseAttempt{ScheduledAt: now, Status: models.PurchaseSkipped}))

	_, err := l.CreateGiftCardCode(ctx, &models.GiftCardCode{Code: "AAAA1111BBBB2222", Value: decimal.NewFromInt(100), ExtractedAt: now, SourceEmailID: 1, RedemptionStatus: models.RedemptionRedeemed})
	require.NoError(t, err)
	_, err = l.CreateGiftCardCode(ctx, &models.GiftCardCode{Code: "CCCC3333DDDD4444", Value: decimal.NewFromInt(25), ExtractedAt: now, SourceEmailID: 1})
	require.NoError(t, err)

	stats, err := l.GetStatistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalPurchases)
	assert.EqualValues(t, 1, stats.CompletedPurchases)
	assert.EqualValues(t, 1, stats.FailedPurchases)
	assert.True(t, stats.TotalSpent.Equal(decimal.NewFromInt(100)), stats.TotalSpent.String())
	assert.InDelta(t, 50.0, stats.PurchaseSuccessRate, 0.001)
	assert.EqualValues(t, 2, stats.TotalCodes)
	assert.EqualValues(t, 1, stats.RedeemedCodes)
	assert.EqualValues(t, 1, stats.PendingCodes)
	assert.True(t, stats.TotalCodeValue.Equal(decimal.NewFromInt(125)), stats.TotalCodeValue.String())
	assert.True(t, stats.RedeemedValue.Equal(decimal.NewFromInt(100)))
	assert.InDelta(t, 50.0, stats.RedemptionRate, 0.001)
}

func TestIdempotentIngestionProperty(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("ingesting a message twice stores one record and one code", prop.ForAll(
		func(id, code string) bool {
			messageID := id + "-" + code
			for i := 0; i < 2; i++ {
				rec, created, err := l.CreateEmailRecord(ctx, newEmail(messageID))
				if err != nil {
					return false
				}
				if !created && rec.Status != models.EmailPending {
					continue
				}
				_, err = l.CompleteEmail(ctx, rec, []*models.GiftCardCode{
					{Code: code, Value: decimal.NewFromInt(10), ExtractedAt: time.Now()},
				}, time.Now())
				if err != nil {
					return false
				}
			}

			var records, codes int64
			l.db.Model(&models.EmailRecord{}).Where("external_message_id = ?", messageID).Count(&records)
			l.db.Model(&models.GiftCardCode{}).Where("code = ?", code).Count(&codes)
			return records == 1 && codes == 1
		},
		gen.Identifier(),
		gen.RegexMatch(`[A-Z]{4}[0-9]{4}[A-Z]{4}[0-9]{4}`),
	))

	properties.TestingRun(t)
}

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return New(gdb), mock
}

func TestPersistenceFailuresPropagate(t *testing.T) {
	ctx := context.Background()
	l, mock := newMockLedger(t)
	boom := errors.New("connection reset by peer")

	mock.ExpectQuery("SELECT \\* FROM `purchase_attempts`").WillReturnError(boom)
	_, err := l.GetLatestPurchaseAttempt(ctx)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "get latest purchase attempt", pe.Op)
	assert.ErrorIs(t, err, boom)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `gift_card_codes`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO `gift_card_codes`").WillReturnError(boom)
	created, err := l.CreateGiftCardCode(ctx, &models.GiftCardCode{Code: "ABCD1234EFGH5678", Value: decimal.NewFromInt(1), ExtractedAt: time.Now(), SourceEmailID: 1})
	assert.False(t, created)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "create gift card code", pe.Op)

	mock.ExpectExec("INSERT INTO `system_state`").WillReturnError(boom)
	err = l.SetCounter(ctx, "purchase_retry_count", 1)
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, fmt.Sprint(err), "set system state")

	require.NoError(t, mock.ExpectationsWereMet())
}
