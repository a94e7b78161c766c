package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurpay-backend/pkg/enums"
)

// Subscription persists one recurring billing agreement. The billing
// calendar is anchored on NextPaymentDate: every advance is computed from
// the previously scheduled date, never from the processing time.
type Subscription struct {
	ID               uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID       uuid.UUID                `gorm:"column:customer_id;type:uuid;not null;index"`
	VaultID          string                   `gorm:"column:vault_id;not null"`
	Status           enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'scheduled';index"`
	BillingPeriod    enums.BillingPeriod      `gorm:"column:billing_period;type:billing_period;not null"`
	BillingFrequency int                      `gorm:"column:billing_frequency;not null;default:1"`
	TotalCycles      int                      `gorm:"column:total_billing_cycles;not null"`
	CyclesCompleted  int                      `gorm:"column:cycles_completed;not null;default:0"`
	NextPaymentDate  time.Time                `gorm:"column:next_payment_date;type:date;not null;index"`
	RetryCount       int                      `gorm:"column:retry_count;not null;default:0"`
	AmountCents      int64                    `gorm:"column:amount_cents;not null"`
	Currency         string                   `gorm:"column:currency;not null;default:'USD'"`
	ClaimedAt        *time.Time               `gorm:"column:claimed_at"`
	CancelledAt      *time.Time               `gorm:"column:cancelled_at"`
	CreatedAt        time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
