package transactions

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurpay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

// Recorder is the append-only log of provider charge attempts. Rows are
// written once and never updated or deleted; refunds and voids are
// reconciled later against the recorded provider order id.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a transaction recorder over the given connection.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Append writes one attempt record.
func (r *Recorder) Append(ctx context.Context, record *models.TransactionRecord) error {
	if record.LocalOrderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "local order id is required")
	}
	if strings.TrimSpace(record.ProviderOrderID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "provider order id is required")
	}
	if !record.Intent.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction intent")
	}
	if !record.Status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction status")
	}
	if !record.Origin.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid charge origin")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append transaction record")
	}
	return nil
}

// ListByProviderOrderID returns every attempt recorded against one
// provider order, oldest first.
func (r *Recorder) ListByProviderOrderID(ctx context.Context, providerOrderID string) ([]models.TransactionRecord, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider order id is required")
	}
	return r.list(ctx, "provider_order_id = ?", providerOrderID)
}

// ListByLocalOrderID returns every attempt recorded against one local
// order, oldest first.
func (r *Recorder) ListByLocalOrderID(ctx context.Context, localOrderID uuid.UUID) ([]models.TransactionRecord, error) {
	if localOrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "local order id is required")
	}
	return r.list(ctx, "local_order_id = ?", localOrderID)
}

func (r *Recorder) list(ctx context.Context, condition string, value any) ([]models.TransactionRecord, error) {
	var records []models.TransactionRecord
	err := r.db.WithContext(ctx).
		Where(condition, value).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list transaction records")
	}
	return records, nil
}
