package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurpay-backend/pkg/enums"
)

// TransactionRecord is one row of the append-only provider attempt log.
// Rows are created once per attempt and never updated or deleted; refunds
// and voids reconcile against ProviderOrderID later.
type TransactionRecord struct {
	ID              uuid.UUID               `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	LocalOrderID    uuid.UUID               `gorm:"column:local_order_id;type:uuid;not null;index"`
	SubscriptionID  *uuid.UUID              `gorm:"column:subscription_id;type:uuid;index"`
	ProviderOrderID string                  `gorm:"column:provider_order_id;not null;index"`
	Intent          enums.TransactionIntent `gorm:"column:intent;type:transaction_intent;not null"`
	Status          enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null"`
	Origin          enums.ChargeOrigin      `gorm:"column:origin;type:charge_origin;not null"`
	DebugID         string                  `gorm:"column:debug_id"`
	AmountCents     int64                   `gorm:"column:amount_cents;not null"`
	Currency        string                  `gorm:"column:currency;not null;default:'USD'"`
	CreatedAt       time.Time               `gorm:"column:created_at;autoCreateTime"`
}
