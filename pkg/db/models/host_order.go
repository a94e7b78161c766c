package models

import (
	"time"

	"github.com/google/uuid"
)

// HostOrder is the narrow slice of the host application's order table the
// billing engine writes through the host-order collaborator contract.
type HostOrder struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID  uuid.UUID `gorm:"column:customer_id;type:uuid;not null;index"`
	Status      string    `gorm:"column:status;not null"`
	TotalCents  int64     `gorm:"column:total_cents;not null"`
	Currency    string    `gorm:"column:currency;not null;default:'USD'"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// HostOrderHistory is an append-only comment trail per host order.
type HostOrderHistory struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID   uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	Comment   string    `gorm:"column:comment;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}
