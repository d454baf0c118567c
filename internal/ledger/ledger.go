// Package ledger is the durable store for purchase attempts, e-mail records,
// gift card codes and system state. Uniqueness and status transitions are
// enforced by the database so concurrent triggers cannot double-process.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftcard-autopilot-go/internal/logging"
	"giftcard-autopilot-go/internal/models"
)

// Ledger owns every persisted entity
type Ledger struct {
	db *gorm.DB
}

// New creates a ledger on top of an initialized gorm handle
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx runs fn inside a single database transaction
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Ledger{db: tx})
	})
}

// Ping checks database connectivity
func (l *Ledger) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return wrap("ping", err)
	}
	return wrap("ping", sqlDB.PingContext(ctx))
}

// CreatePurchaseAttempt inserts a new attempt
func (l *Ledger) CreatePurchaseAttempt(ctx context.Context, attempt *models.PurchaseAttempt) error {
	if !attempt.Status.Valid() {
		return fmt.Errorf("%w: unknown purchase status %q", ErrInvalidTransition, attempt.Status)
	}
	if attempt.Trigger == "" {
		attempt.Trigger = "scheduled"
	}
	return wrap("create purchase attempt", l.db.WithContext(ctx).Create(attempt).Error)
}

// UpdatePurchaseAttempt persists attempt provided the stored row still has
// status from. Completed attempts are immutable.
func (l *Ledger) UpdatePurchaseAttempt(ctx context.Context, attempt *models.PurchaseAttempt, from models.PurchaseStatus) error {
	if from == models.PurchaseCompleted || !(from == attempt.Status || from.CanTransitionTo(attempt.Status)) {
		return fmt.Errorf("%w: purchase %s -> %s", ErrInvalidTransition, from, attempt.Status)
	}

	result := l.db.WithContext(ctx).
		Model(&models.PurchaseAttempt{}).
		Where("id = ? AND status = ?", attempt.ID, from).
		Select("*").Omit("id", "created_at").
		Updates(attempt)
	if result.Error != nil {
		return wrap("update purchase attempt", result.Error)
	}
	if result.RowsAffected == 0 {
		return l.missingOrStale(ctx, &models.PurchaseAttempt{}, attempt.ID)
	}
	return nil
}

// GetPurchaseAttempt loads one attempt by id
func (l *Ledger) GetPurchaseAttempt(ctx context.Context, id uint) (*models.PurchaseAttempt, error) {
	var attempt models.PurchaseAttempt
	if err := l.db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrap("get purchase attempt", err)
	}
	return &attempt, nil
}

// GetLatestPurchaseAttempt returns the most recent attempt that was not a
// skip audit row, or nil if there is none
func (l *Ledger) GetLatestPurchaseAttempt(ctx context.Context) (*models.PurchaseAttempt, error) {
	var attempt models.PurchaseAttempt
	err := l.db.WithContext(ctx).
		Where("status <> ?", models.PurchaseSkipped).
		Order("id DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get latest purchase attempt", err)
	}
	return &attempt, nil
}

// GetLatestCompletedPurchase returns the most recent completed attempt, or nil
func (l *Ledger) GetLatestCompletedPurchase(ctx context.Context) (*models.PurchaseAttempt, error) {
	var attempt models.PurchaseAttempt
	err := l.db.WithContext(ctx).
		Where("status = ?", models.PurchaseCompleted).
		Order("attempted_at DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get latest completed purchase", err)
	}
	return &attempt, nil
}

// GetPendingPurchaseAttempts returns pending attempts ordered by schedule time
func (l *Ledger) GetPendingPurchaseAttempts(ctx context.Context) ([]models.PurchaseAttempt, error) {
	return l.purchaseAttemptsByStatus(ctx, models.PurchasePending)
}

// GetInProgressPurchaseAttempts returns attempts left in flight
func (l *Ledger) GetInProgressPurchaseAttempts(ctx context.Context) ([]models.PurchaseAttempt, error) {
	return l.purchaseAttemptsByStatus(ctx, models.PurchaseInProgress)
}

func (l *Ledger) purchaseAttemptsByStatus(ctx context.Context, status models.PurchaseStatus) ([]models.PurchaseAttempt, error) {
	var attempts []models.PurchaseAttempt
	err := l.db.WithContext(ctx).
		Where("status = ?", status).
		Order("scheduled_at ASC, id ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, wrap("list purchase attempts", err)
	}
	return attempts, nil
}

// ListPurchaseAttempts returns the newest attempts first
func (l *Ledger) ListPurchaseAttempts(ctx context.Context, limit int) ([]models.PurchaseAttempt, error) {
	var attempts []models.PurchaseAttempt
	if err := l.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&attempts).Error; err != nil {
		return nil, wrap("list purchase attempts", err)
	}
	return attempts, nil
}

// FindPurchaseByOrderID returns the attempt with the given retailer order id, or nil
func (l *Ledger) FindPurchaseByOrderID(ctx context.Context, orderID string) (*models.PurchaseAttempt, error) {
	var attempt models.PurchaseAttempt
	err := l.db.WithContext(ctx).Where("external_order_id = ?", orderID).Order("id DESC").First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find purchase by order id", err)
	}
	return &attempt, nil
}

// CreateEmailRecord inserts rec unless a record with the same external
// message id exists, in which case the stored record is returned and created
// is false
func (l *Ledger) CreateEmailRecord(ctx context.Context, rec *models.EmailRecord) (*models.EmailRecord, bool, error) {
	if rec.ExternalMessageID == "" {
		return nil, false, fmt.Errorf("email record requires an external message id")
	}
	if rec.Status == "" {
		rec.Status = models.EmailPending
	}
	if rec.Type == "" {
		rec.Type = models.EmailOther
	}

	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return nil, false, wrap("create email record", result.Error)
	}
	if result.RowsAffected > 0 {
		return rec, true, nil
	}

	var existing models.EmailRecord
	err := l.db.WithContext(ctx).Where("external_message_id = ?", rec.ExternalMessageID).First(&existing).Error
	if err != nil {
		return nil, false, wrap("load existing email record", err)
	}
	return &existing, false, nil
}

// UpdateEmailRecord persists rec provided the stored row still has status from
func (l *Ledger) UpdateEmailRecord(ctx context.Context, rec *models.EmailRecord, from models.EmailStatus) error {
	if !(from == models.EmailPending && rec.Status == models.EmailPending) && !from.CanTransitionTo(rec.Status) {
		return fmt.Errorf("%w: email %s -> %s", ErrInvalidTransition, from, rec.Status)
	}

	result := l.db.WithContext(ctx).
		Model(&models.EmailRecord{}).
		Where("id = ? AND status = ?", rec.ID, from).
		Select("*").Omit("id", "external_message_id", "created_at").
		Updates(rec)
	if result.Error != nil {
		return wrap("update email record", result.Error)
	}
	if result.RowsAffected == 0 {
		return l.missingOrStale(ctx, &models.EmailRecord{}, rec.ID)
	}
	return nil
}

// GetUnprocessedEmails returns pending records in receipt order
func (l *Ledger) GetUnprocessedEmails(ctx context.Context) ([]models.EmailRecord, error) {
	var records []models.EmailRecord
	err := l.db.WithContext(ctx).
		Where("status = ?", models.EmailPending).
		Order("received_at ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrap("get unprocessed emails", err)
	}
	return records, nil
}

// IsEmailProcessed reports whether a message has already been handled
func (l *Ledger) IsEmailProcessed(ctx context.Context, externalMessageID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.EmailRecord{}).
		Where("external_message_id = ? AND status <> ?", externalMessageID, models.EmailPending).
		Count(&count).Error
	if err != nil {
		return false, wrap("check email processed", err)
	}
	return count > 0, nil
}

// ListEmailRecords returns the newest records first
func (l *Ledger) ListEmailRecords(ctx context.Context, limit int) ([]models.EmailRecord, error) {
	var records []models.EmailRecord
	if err := l.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, wrap("list email records", err)
	}
	return records, nil
}

// CompleteEmail stores the codes extracted from rec and marks rec processed
// in one transaction. It returns the codes that were actually inserted;
// duplicates are skipped.
func (l *Ledger) CompleteEmail(ctx context.Context, rec *models.EmailRecord, codes []*models.GiftCardCode, processedAt time.Time) ([]*models.GiftCardCode, error) {
	var created []*models.GiftCardCode
	prevStatus, prevProcessedAt := rec.Status, rec.ProcessedAt
	err := l.WithTx(ctx, func(tx *Ledger) error {
		created = created[:0]
		for _, code := range codes {
			code.SourceEmailID = rec.ID
			ok, err := tx.CreateGiftCardCode(ctx, code)
			if err != nil {
				return err
			}
			if ok {
				created = append(created, code)
			}
		}
		rec.Status = models.EmailProcessed
		rec.ProcessedAt = &processedAt
		return tx.UpdateEmailRecord(ctx, rec, models.EmailPending)
	})
	if err != nil {
		rec.Status, rec.ProcessedAt = prevStatus, prevProcessedAt
		return nil, err
	}
	return created, nil
}

// CheckDuplicateCode reports whether code is already stored
func (l *Ledger) CheckDuplicateCode(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.GiftCardCode{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, wrap("check duplicate code", err)
	}
	return count > 0, nil
}

// CreateGiftCardCode inserts code. A code that already exists is a no-op and
// reports created=false; the unique index makes this safe under concurrency.
func (l *Ledger) CreateGiftCardCode(ctx context.Context, code *models.GiftCardCode) (bool, error) {
	if code.RedemptionStatus == "" {
		code.RedemptionStatus = models.RedemptionPending
	}

	dup, err := l.CheckDuplicateCode(ctx, code.Code)
	if err != nil {
		return false, err
	}
	if !dup {
		result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(code)
		if result.Error != nil {
			return false, wrap("create gift card code", result.Error)
		}
		if result.RowsAffected > 0 {
			return true, nil
		}
	}

	code.ID = 0
	logrus.WithField("masked", logging.MaskCode(code.Code)).Warn("Duplicate gift card code ignored")
	return false, nil
}

// UpdateGiftCardCode persists code provided the stored row still has status
// from. Redeemed and expired codes are terminal.
func (l *Ledger) UpdateGiftCardCode(ctx context.Context, code *models.GiftCardCode, from models.RedemptionStatus) error {
	if !from.CanTransitionTo(code.RedemptionStatus) {
		return fmt.Errorf("%w: code %s -> %s", ErrInvalidTransition, from, code.RedemptionStatus)
	}

	result := l.db.WithContext(ctx).
		Model(&models.GiftCardCode{}).
		Where("id = ? AND redemption_status = ?", code.ID, from).
		Select("*").Omit("id", "code", "created_at").
		Updates(code)
	if result.Error != nil {
		return wrap("update gift card code", result.Error)
	}
	if result.RowsAffected == 0 {
		return l.missingOrStale(ctx, &models.GiftCardCode{}, code.ID)
	}
	return nil
}

// GetGiftCardCode loads one code by id
func (l *Ledger) GetGiftCardCode(ctx context.Context, id uint) (*models.GiftCardCode, error) {
	var code models.GiftCardCode
	if err := l.db.WithContext(ctx).First(&code, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrap("get gift card code", err)
	}
	return &code, nil
}

// GetPendingGiftCardCodes returns codes awaiting their first redemption
func (l *Ledger) GetPendingGiftCardCodes(ctx context.Context) ([]models.GiftCardCode, error) {
	var codes []models.GiftCardCode
	err := l.db.WithContext(ctx).
		Where("redemption_status = ?", models.RedemptionPending).
		Order("extracted_at ASC, id ASC").
		Find(&codes).Error
	if err != nil {
		return nil, wrap("get pending gift card codes", err)
	}
	return codes, nil
}

// GetRetryableGiftCardCodes returns pending codes plus failed codes that
// have been attempted fewer than maxAttempts times
func (l *Ledger) GetRetryableGiftCardCodes(ctx context.Context, maxAttempts int) ([]models.GiftCardCode, error) {
	var codes []models.GiftCardCode
	err := l.db.WithContext(ctx).
		Where("redemption_status = ? OR (redemption_status = ? AND attempts < ?)",
			models.RedemptionPending, models.RedemptionFailed, maxAttempts).
		Order("extracted_at ASC, id ASC").
		Find(&codes).Error
	if err != nil {
		return nil, wrap("get retryable gift card codes", err)
	}
	return codes, nil
}

// ListGiftCardCodes returns the newest codes first
func (l *Ledger) ListGiftCardCodes(ctx context.Context, limit int) ([]models.GiftCardCode, error) {
	var codes []models.GiftCardCode
	if err := l.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&codes).Error; err != nil {
		return nil, wrap("list gift card codes", err)
	}
	return codes, nil
}

// GetSystemState returns the value stored under key and whether it exists
func (l *Ledger) GetSystemState(ctx context.Context, key string) (string, bool, error) {
	var state models.SystemState
	err := l.db.WithContext(ctx).Where("`key` = ?", key).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get system state", err)
	}
	return state.Value, true, nil
}

// SetSystemState upserts key
func (l *Ledger) SetSystemState(ctx context.Context, key, value string) error {
	state := models.SystemState{Key: key, Value: value}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&state).Error
	return wrap("set system state", err)
}

// GetCounter reads an integer counter, zero when unset
func (l *Ledger) GetCounter(ctx context.Context, key string) (int, error) {
	v, ok, err := l.GetSystemState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithField("key", key).Warnf("Ignoring malformed counter value %q", v)
		return 0, nil
	}
	return n, nil
}

// SetCounter stores an integer counter
func (l *Ledger) SetCounter(ctx context.Context, key string, n int) error {
	return l.SetSystemState(ctx, key, strconv.Itoa(n))
}

// GetTime reads a timestamp, returning ok=false when unset
func (l *Ledger) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := l.GetSystemState(ctx, key)
	if err != nil || !ok || v == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		logrus.WithField("key", key).Warnf("Ignoring malformed timestamp %q", v)
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetTime stores a timestamp; the zero time clears it
func (l *Ledger) SetTime(ctx context.Context, key string, t time.Time) error {
	if t.IsZero() {
		return l.SetSystemState(ctx, key, "")
	}
	return l.SetSystemState(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// GetStatistics aggregates purchase and redemption history
func (l *Ledger) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	db := l.db.WithContext(ctx)
	stats := &models.Statistics{}

	purchaseCounts := map[models.PurchaseStatus]*int64{
		models.PurchaseCompleted: &stats.CompletedPurchases,
		models.PurchaseFailed:    &stats.FailedPurchases,
	}
	if err := db.Model(&models.PurchaseAttempt{}).Where("status <> ?", models.PurchaseSkipped).Count(&stats.TotalPurchases).Error; err != nil {
		return nil, wrap("count purchases", err)
	}
	for status, dst := range purchaseCounts {
		if err := db.Model(&models.PurchaseAttempt{}).Where("status = ?", status).Count(dst).Error; err != nil {
			return nil, wrap("count purchases", err)
		}
	}

	codeCounts := map[models.RedemptionStatus]*int64{
		models.RedemptionRedeemed: &stats.RedeemedCodes,
		models.RedemptionPending:  &stats.PendingCodes,
		models.RedemptionFailed:   &stats.FailedCodes,
		models.RedemptionExpired:  &stats.ExpiredCodes,
	}
	if err := db.Model(&models.GiftCardCode{}).Count(&stats.TotalCodes).Error; err != nil {
		return nil, wrap("count codes", err)
	}
	for status, dst := range codeCounts {
		if err := db.Model(&models.GiftCardCode{}).Where("redemption_status = ?", status).Count(dst).Error; err != nil {
			return nil, wrap("count codes", err)
		}
	}

	var err error
	if stats.TotalSpent, err = l.sum(db.Model(&models.PurchaseAttempt{}).Where("status = ?", models.PurchaseCompleted), "total_amount"); err != nil {
		return nil, err
	}
	if stats.TotalCodeValue, err = l.sum(db.Model(&models.GiftCardCode{}), "value"); err != nil {
		return nil, err
	}
	if stats.RedeemedValue, err = l.sum(db.Model(&models.GiftCardCode{}).Where("redemption_status = ?", models.RedemptionRedeemed), "value"); err != nil {
		return nil, err
	}

	if decided := stats.CompletedPurchases + stats.FailedPurchases; decided > 0 {
		stats.PurchaseSuccessRate = float64(stats.CompletedPurchases) / float64(decided) * 100
	}
	if stats.TotalCodes > 0 {
		stats.RedemptionRate = float64(stats.RedeemedCodes) / float64(stats.TotalCodes) * 100
	}
	return stats, nil
}

func (l *Ledger) sum(q *gorm.DB, column string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	if err := q.Select("SUM(" + column + ")").Row().Scan(&total); err != nil {
		return decimal.Zero, wrap("sum "+column, err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (l *Ledger) missingOrStale(ctx context.Context, model interface{}, id uint) error {
	var count int64
	if err := l.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return wrap("check record", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleState
}
