package enums

import "fmt"

// TransactionIntent mirrors the provider order intent.
type TransactionIntent string

const (
	TransactionIntentAuthorize TransactionIntent = "AUTHORIZE"
	TransactionIntentCapture   TransactionIntent = "CAPTURE"
)

var validTransactionIntents = []TransactionIntent{
	TransactionIntentAuthorize,
	TransactionIntentCapture,
}

// String implements fmt.Stringer.
func (t TransactionIntent) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t TransactionIntent) IsValid() bool {
	for _, candidate := range validTransactionIntents {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionIntent converts raw input into a TransactionIntent.
func ParseTransactionIntent(value string) (TransactionIntent, error) {
	for _, candidate := range validTransactionIntents {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction intent %q", value)
}
