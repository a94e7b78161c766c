package enums

import "fmt"

// ChargeOrigin tags whether an attempt came from a live checkout or the
// scheduled recurring batch.
type ChargeOrigin string

const (
	ChargeOriginCheckout  ChargeOrigin = "checkout"
	ChargeOriginScheduled ChargeOrigin = "scheduled"
)

var validChargeOrigins = []ChargeOrigin{
	ChargeOriginCheckout,
	ChargeOriginScheduled,
}

// String implements fmt.Stringer.
func (c ChargeOrigin) String() string {
	return string(c)
}

// IsValid reports whether the value is known.
func (c ChargeOrigin) IsValid() bool {
	for _, candidate := range validChargeOrigins {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseChargeOrigin converts raw input into a ChargeOrigin.
func ParseChargeOrigin(value string) (ChargeOrigin, error) {
	for _, candidate := range validChargeOrigins {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid charge origin %q", value)
}
