package enums

import "fmt"

// SubscriptionStatus tracks the local recurring billing lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusScheduled SubscriptionStatus = "scheduled"
	SubscriptionStatusFailed    SubscriptionStatus = "failed"
	SubscriptionStatusComplete  SubscriptionStatus = "complete"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
)

var validSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusScheduled,
	SubscriptionStatusFailed,
	SubscriptionStatusComplete,
	SubscriptionStatusCancelled,
	SubscriptionStatusPaused,
}

// String implements fmt.Stringer.
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s SubscriptionStatus) IsValid() bool {
	for _, candidate := range validSubscriptionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the subscription can never be charged again.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusFailed || s == SubscriptionStatusComplete || s == SubscriptionStatusCancelled
}

// ParseSubscriptionStatus converts raw input into a SubscriptionStatus.
func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	for _, candidate := range validSubscriptionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription status %q", value)
}
