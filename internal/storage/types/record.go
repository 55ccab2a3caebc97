package types

import "time"

// Record is a normalized record. Columns holds the canonical non-key column
// order of its kind and Values the physical values in the same order.
// Records of one kind share the Columns slice.
type Record struct {
	VIN       string
	Kind      Kind
	Timestamp time.Time
	ID        int64

	Columns []string
	Values  []float64
}

// Key identifies a record within its partition.
type Key struct {
	VIN         string
	ID          int64
	TimestampMs int64
}

// Key returns the uniqueness key: (VIN, ID, Timestamp) for trips and
// (VIN, Timestamp) for charges.
func (r *Record) Key() Key {
	k := Key{VIN: r.VIN, TimestampMs: r.Timestamp.UnixMilli()}
	if r.Kind.HasID() {
		k.ID = r.ID
	}
	return k
}

// Month returns the partition month of the record.
func (r *Record) Month() Month {
	return MonthOf(r.Timestamp)
}

// Get returns the value of a column.
func (r *Record) Get(column string) (float64, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return 0, false
}

// Value returns the value of a column, or zero when the column is unknown.
func (r *Record) Value(column string) float64 {
	v, _ := r.Get(column)
	return v
}

// Less orders records by timestamp, then VIN, then ID.
func (r *Record) Less(o *Record) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.Before(o.Timestamp)
	}
	if r.VIN != o.VIN {
		return r.VIN < o.VIN
	}
	return r.ID < o.ID
}
