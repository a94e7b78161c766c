package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/recurpay-backend/pkg/db"
	"github.com/angelmondragon/recurpay-backend/pkg/db/models"
	"github.com/angelmondragon/recurpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

// Store persists subscriptions. Automatic state changes flow through
// Transition decisions applied by the scheduler; the admin operations
// (cancel, pause, resume) are exposed here directly.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a subscription store over the given connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new subscription in scheduled state.
func (s *Store) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.CustomerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if sub.VaultID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "vault id is required")
	}
	if !sub.BillingPeriod.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid billing period")
	}
	if sub.NextPaymentDate.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "next payment date is required")
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = enums.SubscriptionStatusScheduled
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "subscription already exists")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create subscription")
	}
	return nil
}

// Get loads one subscription by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	return &sub, nil
}

// Due returns the scheduled subscriptions whose next payment date is on
// or before the given day, oldest due date first.
func (s *Store) Due(ctx context.Context, day time.Time, limit int) ([]models.Subscription, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND next_payment_date <= ?", enums.SubscriptionStatusScheduled, day).
		Order("next_payment_date ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var due []models.Subscription
	if err := query.Find(&due).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "select due subscriptions")
	}
	return due, nil
}

// Claim marks a subscription as in-flight for this worker. The update is
// conditional on the row still being scheduled and unclaimed (or holding
// a claim older than staleBefore, left behind by a crashed run), so two
// overlapping batches can never both charge the same subscription.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status = ?", id, enums.SubscriptionStatusScheduled).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Update("claimed_at", s.now().UTC())
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "claim subscription")
	}
	return result.RowsAffected == 1, nil
}

// Release clears a claim without changing subscription state, used when
// an attempt was skipped before any charge was made.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("claimed_at", nil).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "release subscription claim")
	}
	return nil
}

// ApplyDecision persists a transition decision and releases the claim in
// one statement.
func (s *Store) ApplyDecision(ctx context.Context, id uuid.UUID, decision Decision) error {
	updates := map[string]any{
		"status":            decision.Status,
		"next_payment_date": decision.NextPaymentDate,
		"retry_count":       decision.RetryCount,
		"cycles_completed":  decision.CyclesCompleted,
		"claimed_at":        nil,
	}
	result := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "apply subscription decision")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return nil
}

// Cancel soft-deletes a subscription from any non-terminal state.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	decision, err := Cancel(SnapshotOf(sub))
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       decision.Status,
			"cancelled_at": now,
			"claimed_at":   nil,
		}).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel subscription")
	}
	sub.Status = decision.Status
	sub.CancelledAt = &now
	return sub, nil
}

// Pause suspends automatic charging for a scheduled subscription.
func (s *Store) Pause(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.applyAdmin(ctx, id, Pause)
}

// Resume re-enables a paused subscription. Its due date is unchanged, so
// a past-due subscription is picked up by the next batch.
func (s *Store) Resume(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.applyAdmin(ctx, id, Resume)
}

func (s *Store) applyAdmin(ctx context.Context, id uuid.UUID, transition func(Snapshot) (Decision, error)) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	decision, err := transition(SnapshotOf(sub))
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("status", decision.Status).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update subscription status")
	}
	sub.Status = decision.Status
	return sub, nil
}

// SnapshotOf maps a persisted subscription row to a transition snapshot.
func SnapshotOf(sub *models.Subscription) Snapshot {
	return Snapshot{
		Status:           sub.Status,
		BillingPeriod:    sub.BillingPeriod,
		BillingFrequency: sub.BillingFrequency,
		TotalCycles:      sub.TotalCycles,
		CyclesCompleted:  sub.CyclesCompleted,
		NextPaymentDate:  sub.NextPaymentDate,
		RetryCount:       sub.RetryCount,
	}
}
