package paypal

// Money is a provider monetary amount: a currency code plus a decimal
// string with two fraction digits.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// AmountBreakdown itemizes the purchase amount. Zero-valued lines are
// omitted; the signed sum of the lines must equal the order total.
type AmountBreakdown struct {
	ItemTotal        *Money `json:"item_total,omitempty"`
	Shipping         *Money `json:"shipping,omitempty"`
	Discount         *Money `json:"discount,omitempty"`
	ShippingDiscount *Money `json:"shipping_discount,omitempty"`
}

// Amount is the order total with its optional breakdown.
type Amount struct {
	CurrencyCode string           `json:"currency_code"`
	Value        string           `json:"value"`
	Breakdown    *AmountBreakdown `json:"breakdown,omitempty"`
}

// Item is one purchase line.
type Item struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	Quantity   string `json:"quantity"`
	UnitAmount Money  `json:"unit_amount"`
}

// PurchaseUnit groups the items billed under one reference.
type PurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Amount      Amount `json:"amount"`
	Items       []Item `json:"items,omitempty"`
}

// StoredCredential flags a merchant-initiated charge against a vaulted
// payment method, required for compliant recurring transactions.
type StoredCredential struct {
	PaymentInitiator string `json:"payment_initiator"`
	PaymentType      string `json:"payment_type"`
	Usage            string `json:"usage,omitempty"`
}

// CardSource references a vaulted card. Expiry is YYYY-MM and may be
// omitted entirely; the provider performs final validation.
type CardSource struct {
	VaultID          string            `json:"vault_id,omitempty"`
	Expiry           string            `json:"expiry,omitempty"`
	StoredCredential *StoredCredential `json:"stored_credential,omitempty"`
}

// PaymentSource wraps the funding instrument for an order.
type PaymentSource struct {
	Card *CardSource `json:"card,omitempty"`
}

// OrderRequest is the create-order payload.
type OrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	PaymentSource *PaymentSource `json:"payment_source,omitempty"`
}

// Order is the provider's order representation, flattened to the fields
// the billing engine consumes.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Intent        string         `json:"intent,omitempty"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type errorDetail struct {
	Issue       string `json:"issue"`
	Description string `json:"description"`
}

type errorResponse struct {
	Name    string        `json:"name"`
	Message string        `json:"message"`
	DebugID string        `json:"debug_id"`
	Details []errorDetail `json:"details"`
}
