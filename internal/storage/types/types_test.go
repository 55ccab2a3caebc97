package types

import (
	"testing"
	"time"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindTrip, "trip"},
		{KindCharge, "charge"},
		{Kind(9), "unknown(9)"},
	}

	for _, tt := range tests {
		if tt.kind.String() != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, tt.kind.String())
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		parsed, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%s): %v", k, err)
		}
		if parsed != k {
			t.Errorf("expected %s, got %s", k, parsed)
		}
	}

	if _, err := ParseKind("drive"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestKindKeyFields(t *testing.T) {
	if got := KindTrip.KeyFields(); len(got) != 2 || got[1] != ColumnID {
		t.Errorf("unexpected trip key %v", got)
	}
	if got := KindCharge.KeyFields(); len(got) != 1 || got[0] != ColumnTimestamp {
		t.Errorf("unexpected charge key %v", got)
	}
}

func TestMonthOfBoundary(t *testing.T) {
	last := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	first := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	if m := MonthOf(last); m.String() != "2024-01" {
		t.Errorf("expected 2024-01, got %s", m)
	}
	if m := MonthOf(first); m.String() != "2024-02" {
		t.Errorf("expected 2024-02, got %s", m)
	}

	// Local offsets do not move a record across months.
	cet := time.FixedZone("CET", 3600)
	if m := MonthOf(first.In(cet)); m.String() != "2024-02" {
		t.Errorf("expected 2024-02 for a zoned time, got %s", m)
	}
}

func TestMonthArithmetic(t *testing.T) {
	dec := Month{Year: 2023, Month: time.December}

	if next := dec.Next(); next != (Month{Year: 2024, Month: time.January}) {
		t.Errorf("expected 2024-01, got %s", next)
	}
	if !dec.Before(dec.Next()) {
		t.Error("expected December before January")
	}
	if dec.Next().Before(dec) {
		t.Error("January should not precede December")
	}
	if !dec.End().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end %v", dec.End())
	}
}

func TestParseMonth(t *testing.T) {
	m, err := ParseMonth("2024-03")
	if err != nil {
		t.Fatalf("ParseMonth: %v", err)
	}
	if m.Year != 2024 || m.Month != time.March {
		t.Errorf("unexpected month %+v", m)
	}

	for _, bad := range []string{"", "2024", "2024-13", "03-2024"} {
		if _, err := ParseMonth(bad); err == nil {
			t.Errorf("ParseMonth(%q) expected error", bad)
		}
	}
}

func TestPartitionName(t *testing.T) {
	m := Month{Year: 2024, Month: time.January}

	name := m.PartitionName(KindTrip)
	if name != "2024_01_trip.parquet" {
		t.Errorf("expected 2024_01_trip.parquet, got %s", name)
	}

	pm, kind, err := ParsePartitionName(name)
	if err != nil {
		t.Fatalf("ParsePartitionName: %v", err)
	}
	if pm != m || kind != KindTrip {
		t.Errorf("round trip mismatch: %s %s", pm, kind)
	}

	for _, bad := range []string{"summary.parquet", "2024_01_trip.parquet.tmp", "2024_01_drive.parquet"} {
		if _, _, err := ParsePartitionName(bad); err == nil {
			t.Errorf("ParsePartitionName(%q) expected error", bad)
		}
	}
}

func TestRecordKey(t *testing.T) {
	ts := time.Unix(1706745600, 0).UTC()

	trip := Record{VIN: "V1", Kind: KindTrip, Timestamp: ts, ID: 7}
	if k := trip.Key(); k.ID != 7 || k.TimestampMs != ts.UnixMilli() {
		t.Errorf("unexpected trip key %+v", k)
	}

	charge := Record{VIN: "V1", Kind: KindCharge, Timestamp: ts, ID: 7}
	if k := charge.Key(); k.ID != 0 {
		t.Errorf("charge key should ignore id, got %+v", k)
	}
}

func TestRecordGet(t *testing.T) {
	r := Record{Columns: []string{"a", "b"}, Values: []float64{1.5, 2.5}}

	if v, ok := r.Get("b"); !ok || v != 2.5 {
		t.Errorf("expected b=2.5, got %v %v", v, ok)
	}
	if _, ok := r.Get("c"); ok {
		t.Error("expected missing column")
	}
	if r.Value("c") != 0 {
		t.Error("expected zero for missing column")
	}
}

func TestRecordLess(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Record{VIN: "A", Timestamp: ts, ID: 2}
	b := Record{VIN: "B", Timestamp: ts, ID: 1}
	c := Record{VIN: "A", Timestamp: ts.Add(time.Second), ID: 1}

	if !a.Less(&b) || b.Less(&a) {
		t.Error("ties should order by VIN")
	}
	if !b.Less(&c) {
		t.Error("earlier timestamp should come first")
	}
}

func TestFieldGroupInt(t *testing.T) {
	g := FieldGroup{Fields: []Field{
		{Name: "timestamp", Value: 10, Valid: true},
		{Name: "max_speed", Valid: false},
	}}

	if v, ok := g.Int("timestamp"); !ok || v != 10 {
		t.Errorf("expected timestamp=10, got %v %v", v, ok)
	}
	if _, ok := g.Int("max_speed"); ok {
		t.Error("null field should not yield a value")
	}
	if _, ok := g.Get("missing"); ok {
		t.Error("expected missing field")
	}
}
