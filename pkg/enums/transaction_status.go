package enums

import "fmt"

// TransactionStatus records the outcome of one provider attempt.
type TransactionStatus string

const (
	TransactionStatusCreated   TransactionStatus = "created"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusDeclined  TransactionStatus = "declined"
	TransactionStatusError     TransactionStatus = "error"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionStatusCreated,
	TransactionStatusCompleted,
	TransactionStatusDeclined,
	TransactionStatusError,
}

// String implements fmt.Stringer.
func (t TransactionStatus) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionStatus converts raw input into a TransactionStatus.
func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}
