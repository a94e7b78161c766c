package orderbuilder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/recurpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
	"github.com/angelmondragon/recurpay-backend/pkg/paypal"
)

// OrderInput identifies the order being charged.
type OrderInput struct {
	ReferenceID string
	Currency    string
	Intent      string
}

// LineItem is one local order line. Amounts are integer cents.
type LineItem struct {
	Name           string
	SKU            string
	Quantity       int64
	UnitPriceCents int64
}

// Adjustments carries the order-level amounts that net against the item
// total and the shipping total independently.
type Adjustments struct {
	DiscountCents         int64
	ShippingCents         int64
	ShippingDiscountCents int64
}

// StoredCredentialInfo references the vaulted card paying the order.
// Expiry is the combined YYYY-MM value; when empty it is reconstructed
// from the month/year components, and omitted when neither is present.
type StoredCredentialInfo struct {
	VaultID  string
	Expiry   string
	ExpMonth int
	ExpYear  int
	Origin   enums.ChargeOrigin
}

var oneHundred = decimal.NewFromInt(100)

// Build maps local order data to a provider order payload. It is pure:
// same inputs, same payload. The returned breakdown omits zero lines and
// its signed sum equals the order total exactly at two decimals.
func Build(order OrderInput, items []LineItem, adj Adjustments, credential StoredCredentialInfo) (paypal.OrderRequest, error) {
	if len(items) == 0 {
		return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "order has no line items")
	}
	currency := strings.ToUpper(strings.TrimSpace(order.Currency))
	if currency == "" {
		return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "currency is required")
	}
	intent := order.Intent
	if intent == "" {
		intent = paypal.IntentCapture
	}
	if adj.DiscountCents < 0 || adj.ShippingCents < 0 || adj.ShippingDiscountCents < 0 {
		return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "adjustments must not be negative")
	}

	itemTotal := decimal.Zero
	wireItems := make([]paypal.Item, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("line item %q has non-positive quantity", item.Name))
		}
		if item.UnitPriceCents < 0 {
			return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("line item %q has negative unit price", item.Name))
		}
		unit := centsToDecimal(item.UnitPriceCents)
		itemTotal = itemTotal.Add(unit.Mul(decimal.NewFromInt(item.Quantity)))
		wireItems = append(wireItems, paypal.Item{
			Name:       item.Name,
			SKU:        item.SKU,
			Quantity:   strconv.FormatInt(item.Quantity, 10),
			UnitAmount: paypal.Money{CurrencyCode: currency, Value: unit.StringFixed(2)},
		})
	}

	discount := centsToDecimal(adj.DiscountCents)
	shipping := centsToDecimal(adj.ShippingCents)
	shippingDiscount := centsToDecimal(adj.ShippingDiscountCents)
	if discount.GreaterThan(itemTotal) {
		return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "discount exceeds item total")
	}
	if shippingDiscount.GreaterThan(shipping) {
		return paypal.OrderRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "shipping discount exceeds shipping")
	}

	total := itemTotal.Sub(discount).Add(shipping).Sub(shippingDiscount)

	breakdown := &paypal.AmountBreakdown{}
	if !itemTotal.IsZero() {
		breakdown.ItemTotal = money(currency, itemTotal)
	}
	if !shipping.IsZero() {
		breakdown.Shipping = money(currency, shipping)
	}
	if !discount.IsZero() {
		breakdown.Discount = money(currency, discount)
	}
	if !shippingDiscount.IsZero() {
		breakdown.ShippingDiscount = money(currency, shippingDiscount)
	}

	request := paypal.OrderRequest{
		Intent: intent,
		PurchaseUnits: []paypal.PurchaseUnit{{
			ReferenceID: order.ReferenceID,
			Amount: paypal.Amount{
				CurrencyCode: currency,
				Value:        total.StringFixed(2),
				Breakdown:    breakdown,
			},
			Items: wireItems,
		}},
	}

	source, err := paymentSource(credential)
	if err != nil {
		return paypal.OrderRequest{}, err
	}
	request.PaymentSource = source
	return request, nil
}

func paymentSource(credential StoredCredentialInfo) (*paypal.PaymentSource, error) {
	vaultID := strings.TrimSpace(credential.VaultID)
	if vaultID == "" {
		return nil, nil
	}

	expiry, err := cardExpiry(credential)
	if err != nil {
		return nil, err
	}

	card := &paypal.CardSource{
		VaultID: vaultID,
		Expiry:  expiry,
		StoredCredential: &paypal.StoredCredential{
			PaymentInitiator: "CUSTOMER",
			PaymentType:      "ONE_TIME",
			Usage:            "FIRST",
		},
	}
	if credential.Origin == enums.ChargeOriginScheduled {
		card.StoredCredential = &paypal.StoredCredential{
			PaymentInitiator: "MERCHANT",
			PaymentType:      "RECURRING",
			Usage:            "SUBSEQUENT",
		}
	}
	return &paypal.PaymentSource{Card: card}, nil
}

// cardExpiry resolves the combined YYYY-MM expiry, rebuilding it from
// components when only those survived locally. Absent data means the
// field is omitted; the provider runs final validation either way.
func cardExpiry(credential StoredCredentialInfo) (string, error) {
	if expiry := strings.TrimSpace(credential.Expiry); expiry != "" {
		return expiry, nil
	}
	if credential.ExpMonth == 0 && credential.ExpYear == 0 {
		return "", nil
	}
	if credential.ExpMonth < 1 || credential.ExpMonth > 12 || credential.ExpYear < 1000 {
		return "", pkgerrors.New(pkgerrors.CodeLocalData,
			fmt.Sprintf("cannot reconstruct card expiry from month=%d year=%d", credential.ExpMonth, credential.ExpYear))
	}
	return fmt.Sprintf("%04d-%02d", credential.ExpYear, credential.ExpMonth), nil
}

func centsToDecimal(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(oneHundred)
}

func money(currency string, value decimal.Decimal) *paypal.Money {
	return &paypal.Money{CurrencyCode: currency, Value: value.StringFixed(2)}
}
