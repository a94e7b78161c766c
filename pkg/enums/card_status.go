package enums

import "fmt"

// CardStatus tracks whether a vaulted card may be charged. Cards are
// never deleted, only marked inactive.
type CardStatus string

const (
	CardStatusActive   CardStatus = "active"
	CardStatusInactive CardStatus = "inactive"
)

var validCardStatuses = []CardStatus{
	CardStatusActive,
	CardStatusInactive,
}

// String implements fmt.Stringer.
func (c CardStatus) String() string {
	return string(c)
}

// IsValid reports whether the value is known.
func (c CardStatus) IsValid() bool {
	for _, candidate := range validCardStatuses {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCardStatus converts raw input into a CardStatus.
func ParseCardStatus(value string) (CardStatus, error) {
	for _, candidate := range validCardStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid card status %q", value)
}
