package types

import "time"

// Packet is one inbound feed message.
type Packet struct {
	// VIN identifies the sending vehicle.
	VIN string

	// Raw is the message text, e.g. "$G1:1706745600,1706745600,1706747400,1203,7,#&".
	Raw string

	// ReceivedAt is the time the packet entered the pipeline.
	ReceivedAt time.Time
}

// Field is one named value of a field group. Valid is false when the
// vehicle sent a non-integer token (a missing sensor value).
type Field struct {
	Name  string
	Value int64
	Valid bool
}

// FieldGroup is one decoded packet: the message type, its record kind and
// the ordered field values.
type FieldGroup struct {
	Tag    string
	Kind   Kind
	Fields []Field
}

// Get returns the field with the given name.
func (g *FieldGroup) Get(name string) (Field, bool) {
	for _, f := range g.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Int returns the value of a non-null field.
func (g *FieldGroup) Int(name string) (int64, bool) {
	f, ok := g.Get(name)
	if !ok || !f.Valid {
		return 0, false
	}
	return f.Value, true
}

// CompleteRecord is a reassembled record with every field of its kind
// present, still in raw transmitted units.
type CompleteRecord struct {
	VIN    string
	Kind   Kind
	Values map[string]int64
}

// Timestamp returns the record's timestamp field as a UTC time (unix seconds).
func (r *CompleteRecord) Timestamp() time.Time {
	return time.Unix(r.Values[ColumnTimestamp], 0).UTC()
}

// ID returns the record's id field. Charge records have none.
func (r *CompleteRecord) ID() int64 {
	return r.Values[ColumnID]
}
