package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurpay-backend/pkg/enums"
)

// VaultedCard mirrors a provider-tokenized payment method. Rows are
// upserted by VaultID and never deleted; DateAdded is set on first insert
// and immutable afterwards.
type VaultedCard struct {
	ID         uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	VaultID    string           `gorm:"column:vault_id;not null;uniqueIndex:idx_vaulted_cards_vault_id"`
	CustomerID uuid.UUID        `gorm:"column:customer_id;type:uuid;not null;index"`
	Brand      string           `gorm:"column:brand"`
	Last4      string           `gorm:"column:last4"`
	ExpMonth   int              `gorm:"column:exp_month"`
	ExpYear    int              `gorm:"column:exp_year"`
	Status     enums.CardStatus `gorm:"column:status;type:card_status;not null;default:'active'"`
	DateAdded  time.Time        `gorm:"column:date_added;not null"`
	UpdatedAt  time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// Expired reports whether the card's (year, month) expiry is strictly
// before the supplied reference year-month.
func (c VaultedCard) Expired(year int, month time.Month) bool {
	if c.ExpYear == 0 || c.ExpMonth == 0 {
		return false
	}
	if c.ExpYear != year {
		return c.ExpYear < year
	}
	return c.ExpMonth < int(month)
}
