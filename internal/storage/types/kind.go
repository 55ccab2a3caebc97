package types

import "fmt"

// Kind is the record kind a message type contributes to.
type Kind int

const (
	// KindTrip records describe one driving session, keyed by timestamp and id.
	KindTrip Kind = iota

	// KindCharge records describe one charging session, keyed by timestamp.
	KindCharge
)

// Column names shared by every kind.
const (
	ColumnTimestamp = "timestamp"
	ColumnID        = "id"
	ColumnVIN       = "vin"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTrip:
		return "trip"
	case KindCharge:
		return "charge"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// HasID reports whether records of this kind carry an id in their key.
func (k Kind) HasID() bool {
	return k == KindTrip
}

// KeyFields returns the natural key field names of the kind.
func (k Kind) KeyFields() []string {
	if k.HasID() {
		return []string{ColumnTimestamp, ColumnID}
	}
	return []string{ColumnTimestamp}
}

// ParseKind parses a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "trip":
		return KindTrip, nil
	case "charge":
		return KindCharge, nil
	default:
		return KindTrip, fmt.Errorf("unknown kind: %s", s)
	}
}

// AllKinds returns all record kinds in order.
func AllKinds() []Kind {
	return []Kind{KindTrip, KindCharge}
}
