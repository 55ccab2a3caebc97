// Package normalize validates complete records and turns them into
// normalized records in physical units.
//
// Normalization runs four steps, each of which can reject the record:
//
//	range    every transmitted field lies within its registry bounds
//	derive   computed columns are derived from raw fields and bounds-checked
//	reorder  columns are placed in the canonical order of the kind
//	rescale  every column is multiplied by its resolution
//
// Derived columns are computed in raw units and rescaled like every other
// column, so value = raw * resolution holds for all stored columns.
package normalize

import (
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// Step names reported in RangeError.Step.
const (
	StepRange   = "range"
	StepDerive  = "derive"
	StepReorder = "reorder"
	StepRescale = "rescale"
)

// Normalizer normalizes complete records against a registry.
type Normalizer struct {
	kinds map[types.Kind]*plan
}

type plan struct {
	schema  *schema.KindSchema
	primary []schema.Column
	derived []derivation
	scale   []float64
}

type derivation struct {
	column  schema.Column
	formula formula
}

// New creates a Normalizer. It fails when the registry declares a derived
// column without a known formula, or a formula input the kind lacks.
func New(reg *schema.Registry) (*Normalizer, error) {
	n := &Normalizer{kinds: make(map[types.Kind]*plan)}
	verrs := errors.NewValidationErrors()

	for _, kind := range types.AllKinds() {
		ks := reg.Kind(kind)
		p := &plan{schema: ks}

		for _, c := range ks.Columns {
			if !c.Derived {
				p.primary = append(p.primary, c)
				continue
			}

			f, ok := formulas[c.Name]
			if !ok {
				verrs.AddField("kinds."+kind.String()+"."+c.Name, "no formula for derived column")
				continue
			}
			for _, in := range f.inputs {
				ic, ok := ks.Column(in)
				if !ok || ic.Derived {
					verrs.AddField("kinds."+kind.String()+"."+c.Name, fmt.Sprintf("formula input %s is not a transmitted column", in))
				}
			}
			p.derived = append(p.derived, derivation{column: c, formula: f})
		}

		for _, name := range ks.Stored() {
			c, _ := ks.Column(name)
			p.scale = append(p.scale, c.Resolution)
		}

		n.kinds[kind] = p
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return n, nil
}

// Normalize validates rec and returns its normalized form. A rejection is
// a *errors.RangeError naming the failing step and field.
func (n *Normalizer) Normalize(rec *types.CompleteRecord) (*types.Record, error) {
	p, ok := n.kinds[rec.Kind]
	if !ok {
		return nil, errors.NewSchemaMismatch("unknown record kind %s", rec.Kind)
	}

	// range
	for _, c := range p.primary {
		v, ok := rec.Values[c.Name]
		if !ok {
			return nil, errors.NewSchemaMismatch("%s record has no field %s", rec.Kind, c.Name)
		}
		if !c.Contains(float64(v)) {
			return nil, &errors.RangeError{Step: StepRange, Field: c.Name, Value: float64(v), Min: c.Min, Max: c.Max}
		}
	}

	// derive
	raw := make(map[string]float64, len(rec.Values)+len(p.derived))
	for k, v := range rec.Values {
		raw[k] = float64(v)
	}
	get := func(name string) float64 { return raw[name] }
	for _, d := range p.derived {
		v, reason := d.formula.fn(get)
		if reason != "" {
			return nil, &errors.RangeError{Step: StepDerive, Field: d.column.Name, Reason: reason}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || !d.column.Contains(v) {
			return nil, &errors.RangeError{Step: StepDerive, Field: d.column.Name, Value: v, Min: d.column.Min, Max: d.column.Max}
		}
		raw[d.column.Name] = v
	}

	// reorder
	stored := p.schema.Stored()
	values := make([]float64, len(stored))
	for i, name := range stored {
		v, ok := raw[name]
		if !ok {
			return nil, &errors.RangeError{Step: StepReorder, Field: name, Reason: "column has no value"}
		}
		values[i] = v
	}

	// rescale
	for i := range values {
		values[i] *= p.scale[i]
		if math.IsInf(values[i], 0) {
			return nil, &errors.RangeError{Step: StepRescale, Field: stored[i], Reason: "rescaled value overflows"}
		}
	}

	out := &types.Record{
		VIN:       rec.VIN,
		Kind:      rec.Kind,
		Timestamp: time.Unix(rec.Values[types.ColumnTimestamp], 0).UTC(),
		Columns:   stored,
		Values:    values,
	}
	if rec.Kind.HasID() {
		out.ID = rec.Values[types.ColumnID]
	}
	return out, nil
}

// Raw recovers the transmitted integer of a stored column, rounding away
// the floating point error of the rescale step. Derived columns that are
// not integral in raw units (such as regen_ratio) are rounded too.
func (n *Normalizer) Raw(rec *types.Record, column string) (int64, error) {
	p, ok := n.kinds[rec.Kind]
	if !ok {
		return 0, errors.NewSchemaMismatch("unknown record kind %s", rec.Kind)
	}
	c, ok := p.schema.Column(column)
	if !ok {
		return 0, errors.NewSchemaMismatch("%s record has no column %s", rec.Kind, column)
	}
	v, ok := rec.Get(column)
	if !ok {
		return 0, errors.NewSchemaMismatch("record does not carry column %s", column)
	}
	return int64(math.Round(v / c.Resolution)), nil
}
