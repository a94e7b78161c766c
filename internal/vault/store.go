package vault

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/recurpay-backend/pkg/db/models"
	"github.com/angelmondragon/recurpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

// Store persists provider-tokenized payment methods. The vault table is
// upsert-only: provider metadata may change on re-tokenization but a
// card row is never deleted and its date_added never moves.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a vault store over the given connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CardInput is the provider card metadata accepted by Save.
type CardInput struct {
	VaultID  string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
	Status   enums.CardStatus
}

// mutableCardColumns are the columns an upsert may overwrite. date_added
// is deliberately absent.
var mutableCardColumns = []string{"customer_id", "brand", "last4", "exp_month", "exp_year", "status", "updated_at"}

// Save upserts a card by vault id in a single statement, so concurrent
// saves of the same vault id cannot interleave into a partial row.
func (s *Store) Save(ctx context.Context, customerID uuid.UUID, input CardInput) (*models.VaultedCard, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	vaultID := strings.TrimSpace(input.VaultID)
	if vaultID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vault id is required")
	}
	status := input.Status
	if status == "" {
		status = enums.CardStatusActive
	}
	if !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid card status")
	}

	now := s.now().UTC()
	row := models.VaultedCard{
		ID:         uuid.New(),
		VaultID:    vaultID,
		CustomerID: customerID,
		Brand:      strings.TrimSpace(input.Brand),
		Last4:      strings.TrimSpace(input.Last4),
		ExpMonth:   input.ExpMonth,
		ExpYear:    input.ExpYear,
		Status:     status,
		DateAdded:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vault_id"}},
			DoUpdates: clause.AssignmentColumns(mutableCardColumns),
		}).
		Create(&row).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert vaulted card")
	}

	// Reload so callers see the surviving row, including the original
	// date_added when the upsert hit an existing card.
	var saved models.VaultedCard
	if err := s.db.WithContext(ctx).Where("vault_id = ?", vaultID).First(&saved).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload vaulted card")
	}
	return &saved, nil
}

// Get loads one card by vault id.
func (s *Store) Get(ctx context.Context, vaultID string) (*models.VaultedCard, error) {
	var card models.VaultedCard
	err := s.db.WithContext(ctx).Where("vault_id = ?", strings.TrimSpace(vaultID)).First(&card).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "vaulted card not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load vaulted card")
	}
	return &card, nil
}

// List returns a customer's cards, newest first. With activeOnly set it
// drops inactive cards and cards whose expiry year-month is strictly
// before the current UTC year-month; cards with unknown expiry pass.
func (s *Store) List(ctx context.Context, customerID uuid.UUID, activeOnly bool) ([]models.VaultedCard, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}

	query := s.db.WithContext(ctx).Where("customer_id = ?", customerID)
	if activeOnly {
		now := s.now().UTC()
		query = query.
			Where("status = ?", enums.CardStatusActive).
			Where("exp_year = 0 OR exp_month = 0 OR exp_year > ? OR (exp_year = ? AND exp_month >= ?)",
				now.Year(), now.Year(), int(now.Month()))
	}

	var cards []models.VaultedCard
	if err := query.Order("date_added DESC").Find(&cards).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list vaulted cards")
	}
	return cards, nil
}

// Deactivate marks a card unusable for future charges without touching
// its history.
func (s *Store) Deactivate(ctx context.Context, vaultID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.VaultedCard{}).
		Where("vault_id = ?", strings.TrimSpace(vaultID)).
		Update("status", enums.CardStatusInactive)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "deactivate vaulted card")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "vaulted card not found")
	}
	return nil
}
