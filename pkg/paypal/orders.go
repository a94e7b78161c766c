package paypal

import (
	"context"
	"fmt"
	"net/http"

	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

const ordersPath = "/v2/checkout/orders"

// Order intents accepted by the checkout API.
const (
	IntentAuthorize = "AUTHORIZE"
	IntentCapture   = "CAPTURE"
)

// CreateOrderOptions tunes order creation. A non-empty Fingerprint
// enables idempotent reuse: a previously created order with the same
// fingerprint is returned instead of a new one, provided its current
// provider status still allows completion.
type CreateOrderOptions struct {
	Fingerprint string
}

// CreateOrder creates a checkout order, reusing a cached open order for
// the same fingerprint when possible. Reuse always re-reads the order
// from the provider first; locally cached status is never trusted.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest, opts CreateOrderOptions) (*Order, error) {
	if len(req.PurchaseUnits) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order requires at least one purchase unit")
	}
	if req.Intent != IntentAuthorize && req.Intent != IntentCapture {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown order intent %q", req.Intent))
	}

	if order, ok := c.reuseOrder(ctx, opts.Fingerprint); ok {
		return order, nil
	}

	var order Order
	if err := c.issue(ctx, http.MethodPost, ordersPath, req, &order); err != nil {
		return nil, err
	}
	if c.orderCache != nil && opts.Fingerprint != "" {
		c.orderCache.Put(ctx, opts.Fingerprint, &order)
	}
	return &order, nil
}

// reuseOrder resolves a fingerprint to a live, still-completable order.
// Any cache or lookup failure falls back to creating a fresh order; the
// cache is an optimization, never a source of truth.
func (c *Client) reuseOrder(ctx context.Context, fingerprint string) (*Order, bool) {
	if c.orderCache == nil || fingerprint == "" {
		return nil, false
	}
	orderID, ok := c.orderCache.Get(ctx, fingerprint)
	if !ok {
		return nil, false
	}

	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			c.orderCache.Drop(ctx, fingerprint)
		}
		return nil, false
	}
	if !ReusableStatus(order.Status) {
		c.orderCache.Drop(ctx, fingerprint)
		return nil, false
	}

	c.orderCache.Put(ctx, fingerprint, order)
	return order, true
}

// GetOrder fetches the current provider state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	var order Order
	if err := c.issue(ctx, http.MethodGet, ordersPath+"/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// AuthorizeOrder places an authorization hold for an AUTHORIZE order.
func (c *Client) AuthorizeOrder(ctx context.Context, orderID string) (*Order, error) {
	return c.completeOrder(ctx, orderID, "authorize")
}

// CaptureOrder captures payment for a CAPTURE order. This is the
// money-moving call of the recurring charge flow.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Order, error) {
	return c.completeOrder(ctx, orderID, "capture")
}

func (c *Client) completeOrder(ctx context.Context, orderID, action string) (*Order, error) {
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	var order Order
	path := fmt.Sprintf("%s/%s/%s", ordersPath, orderID, action)
	if err := c.issue(ctx, http.MethodPost, path, struct{}{}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}
