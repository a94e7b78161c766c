package paypal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/recurpay-backend/pkg/redis"
)

// reusableOrderStatuses are the provider order states that can still be
// driven to completion. Anything else (COMPLETED, VOIDED, unknown) must
// never be reused for a new charge attempt.
var reusableOrderStatuses = map[string]struct{}{
	"CREATED":               {},
	"APPROVED":              {},
	"PAYER_ACTION_REQUIRED": {},
	"SAVED":                 {},
}

// ReusableStatus reports whether an order in the given provider status
// may satisfy a repeated create request.
func ReusableStatus(status string) bool {
	_, ok := reusableOrderStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}

// OrderCache maps request fingerprints to provider order ids in redis,
// keyed per environment so sandbox and live orders never collide.
type OrderCache struct {
	redis       *redis.Client
	environment string
	ttl         time.Duration
}

// NewOrderCache builds a fingerprint cache for one provider environment.
func NewOrderCache(client *redis.Client, environment string, ttl time.Duration) *OrderCache {
	return &OrderCache{redis: client, environment: environment, ttl: ttl}
}

// Get resolves a fingerprint to a cached order id. A miss or redis
// failure reads as absent; callers fall back to creating a new order.
func (o *OrderCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	value, err := o.redis.Get(ctx, o.key(fingerprint))
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

// Put records a fingerprint to order-id mapping with the cache TTL.
// Failures are swallowed: a lost cache entry only costs a duplicate
// open order, never a duplicate charge.
func (o *OrderCache) Put(ctx context.Context, fingerprint string, order *Order) {
	if order == nil || order.ID == "" {
		return
	}
	_ = o.redis.Set(ctx, o.key(fingerprint), order.ID, o.ttl)
}

// Drop removes a fingerprint mapping, used when the cached order turned
// out to be gone or no longer completable.
func (o *OrderCache) Drop(ctx context.Context, fingerprint string) {
	_ = o.redis.Del(ctx, o.key(fingerprint))
}

func (o *OrderCache) key(fingerprint string) string {
	return o.redis.OrderCacheKey(o.environment, fingerprint)
}

// FingerprintItem is one line of the canonical fingerprint input.
type FingerprintItem struct {
	SKU       string
	Quantity  string
	UnitValue string
}

// Fingerprint derives a deterministic digest of a charge request:
// customer, currency, total, and the sorted item lines. Two equal carts
// produce equal fingerprints regardless of item order.
func Fingerprint(customerID, currencyCode, totalValue string, items []FingerprintItem) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s|%s|%s", item.SKU, item.Quantity, item.UnitValue))
	}
	sort.Strings(lines)

	var builder strings.Builder
	builder.WriteString(customerID)
	builder.WriteString("\n")
	builder.WriteString(currencyCode)
	builder.WriteString("\n")
	builder.WriteString(totalValue)
	for _, line := range lines {
		builder.WriteString("\n")
		builder.WriteString(line)
	}

	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}
