package types

import (
	"fmt"
	"strings"
	"time"
)

// Month is a calendar month in UTC.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the UTC calendar month containing t.
func MonthOf(t time.Time) Month {
	t = t.UTC()
	return Month{Year: t.Year(), Month: t.Month()}
}

// String returns the month as "2024-01".
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Start returns the first instant of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the next month.
func (m Month) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

// Next returns the following month.
func (m Month) Next() Month {
	return MonthOf(m.End())
}

// Before reports whether m precedes o.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// IsZero reports whether m is the zero month.
func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// PartitionName returns the file name of the partition for kind,
// e.g. "2024_01_trip.parquet".
func (m Month) PartitionName(kind Kind) string {
	return fmt.Sprintf("%04d_%02d_%s.parquet", m.Year, int(m.Month), kind)
}

// ParseMonth parses "2024-01".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}
	return MonthOf(t), nil
}

// ParsePartitionName parses a partition file name produced by PartitionName.
func ParsePartitionName(name string) (Month, Kind, error) {
	base, ok := strings.CutSuffix(name, ".parquet")
	if !ok {
		return Month{}, 0, fmt.Errorf("not a partition file: %s", name)
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return Month{}, 0, fmt.Errorf("not a partition file: %s", name)
	}

	m, err := ParseMonth(parts[0] + "-" + parts[1])
	if err != nil {
		return Month{}, 0, fmt.Errorf("not a partition file: %s", name)
	}

	kind, err := ParseKind(parts[2])
	if err != nil {
		return Month{}, 0, fmt.Errorf("not a partition file: %s", name)
	}

	return m, kind, nil
}
