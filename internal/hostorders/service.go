package hostorders

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/recurpay-backend/pkg/db"
	"github.com/angelmondragon/recurpay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

// Order statuses written by the billing engine. The host application
// owns the full status vocabulary; these are the two the engine needs.
const (
	StatusProcessing = "processing"
	StatusFailed     = "payment_failed"
)

// Totals is the monetary summary of a host order.
type Totals struct {
	CustomerID uuid.UUID
	TotalCents int64
	Currency   string
}

// Service is the narrow write path into the host application's order
// tables: create an order, append audit comments. The engine never reads
// or renders host orders.
type Service struct {
	db *gorm.DB
}

// NewService constructs the host order writer.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateOrder inserts a host order and returns its id.
func (s *Service) CreateOrder(ctx context.Context, totals Totals, status string) (uuid.UUID, error) {
	if totals.CustomerID == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if totals.TotalCents < 0 {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "total must not be negative")
	}
	if strings.TrimSpace(status) == "" {
		status = StatusProcessing
	}
	currency := strings.ToUpper(strings.TrimSpace(totals.Currency))
	if currency == "" {
		currency = "USD"
	}

	order := models.HostOrder{
		ID:         uuid.New(),
		CustomerID: totals.CustomerID,
		Status:     status,
		TotalCents: totals.TotalCents,
		Currency:   currency,
	}
	// The order and its opening audit row land together or not at all.
	err := dbpkg.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		entry := models.HostOrderHistory{
			ID:      uuid.New(),
			OrderID: order.ID,
			Comment: "order opened by recurring billing",
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create host order")
	}
	return order.ID, nil
}

// UpdateStatus moves a host order to a new status.
func (s *Service) UpdateStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	if strings.TrimSpace(status) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "status is required")
	}
	result := s.db.WithContext(ctx).
		Model(&models.HostOrder{}).
		Where("id = ?", orderID).
		Update("status", status)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "update host order status")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "host order not found")
	}
	return nil
}

// AppendHistory adds one audit comment to a host order's trail.
func (s *Service) AppendHistory(ctx context.Context, orderID uuid.UUID, comment string) error {
	if orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "comment is required")
	}

	entry := models.HostOrderHistory{
		ID:      uuid.New(),
		OrderID: orderID,
		Comment: comment,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append host order history")
	}
	return nil
}
