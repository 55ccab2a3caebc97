// Package reassembly merges field groups that share a natural key into
// complete records.
//
// Each record kind has its own pending table guarded by its own mutex.
// A field group creates the pending entry for its key on first sight and
// overwrites the fields it names on every later arrival. The entry is
// emitted as soon as no field is null, so the result does not depend on the
// order in which message types arrive.
//
// An emitted entry stays live until the caller releases it, so a record
// whose append failed is emitted again by the next group of its key. A
// released entry is kept as a stored marker for the pending TTL: groups
// that repeat its values are reported as duplicates, and a group that
// changes a value revives it.
package reassembly

import (
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// ErrDuplicate is returned by Ingest for a group that repeats the values of
// a record already released as stored.
var ErrDuplicate = errors.New("duplicate of a stored record")

// Options configures a Reassembler.
type Options struct {
	// ScopeByVIN adds the vehicle identifier to the pending key. Without it
	// two vehicles reporting the same timestamp (and id, for trips) merge
	// into one record.
	ScopeByVIN bool

	// PendingTTL is the maximum time since the last update of a pending
	// entry before Evict removes it. Zero disables eviction.
	PendingTTL time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		ScopeByVIN: true,
		PendingTTL: 24 * time.Hour,
	}
}

// Evicted describes a pending entry removed by Evict.
type Evicted struct {
	VIN       string
	Kind      types.Kind
	Timestamp int64
	ID        int64
	Missing   []string
	Age       time.Duration
}

// Reassembler owns the pending record tables of one pipeline.
type Reassembler struct {
	opts   Options
	tables map[types.Kind]*table
}

type pendingKey struct {
	vin       string
	timestamp int64
	id        int64
}

type entry struct {
	vin     string
	values  []int64
	set     []bool
	missing int
	stored  bool
	first   time.Time
	last    time.Time
}

type table struct {
	mu      sync.Mutex
	kind    types.Kind
	fields  []string
	index   map[string]int
	entries map[pendingKey]*entry
	stored  int
}

// New creates a Reassembler with one table per kind of reg.
func New(reg *schema.Registry, opts Options) *Reassembler {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Reassembler{
		opts:   opts,
		tables: make(map[types.Kind]*table),
	}
	for _, kind := range types.AllKinds() {
		fields := reg.Fields(kind)
		index := make(map[string]int, len(fields))
		for i, f := range fields {
			index[f] = i
		}
		r.tables[kind] = &table{
			kind:    kind,
			fields:  fields,
			index:   index,
			entries: make(map[pendingKey]*entry),
		}
	}
	return r
}

// Ingest applies a field group from vehicle vin. It returns the complete
// record and true when the entry has no null field after the update; the
// entry stays pending until Release. A group without its key fields is
// rejected with ErrMissingKey, and a group that changes nothing in a
// stored entry with ErrDuplicate.
func (r *Reassembler) Ingest(vin string, g types.FieldGroup) (*types.CompleteRecord, bool, error) {
	t, ok := r.tables[g.Kind]
	if !ok {
		return nil, false, errors.NewSchemaMismatch("no pending table for kind %s", g.Kind)
	}

	key, err := r.key(vin, g)
	if err != nil {
		return nil, false, err
	}

	now := r.opts.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{
			vin:     vin,
			values:  make([]int64, len(t.fields)),
			set:     make([]bool, len(t.fields)),
			missing: len(t.fields),
			first:   now,
		}
		t.entries[key] = e
	}
	e.last = now

	changed := false
	for _, f := range g.Fields {
		i, ok := t.index[f.Name]
		if !ok {
			continue
		}
		if f.Valid != e.set[i] || (f.Valid && f.Value != e.values[i]) {
			changed = true
		}
		switch {
		case f.Valid && !e.set[i]:
			e.missing--
		case !f.Valid && e.set[i]:
			e.missing++
		}
		e.values[i] = f.Value
		e.set[i] = f.Valid
	}

	if e.stored {
		if !changed {
			return nil, false, ErrDuplicate
		}
		e.stored = false
		t.stored--
	}

	if e.missing > 0 {
		return nil, false, nil
	}

	rec := &types.CompleteRecord{
		VIN:    vin,
		Kind:   t.kind,
		Values: make(map[string]int64, len(t.fields)),
	}
	for i, name := range t.fields {
		rec.Values[name] = e.values[i]
	}
	return rec, true, nil
}

// Release retires the entry of a record returned by Ingest once the record
// has been stored or rejected. The entry becomes a stored marker until the
// pending TTL passes, or is removed at once when eviction is disabled. An
// entry that a later group made incomplete again stays live. Release
// reports whether a live entry was retired.
func (r *Reassembler) Release(rec *types.CompleteRecord) bool {
	t, ok := r.tables[rec.Kind]
	if !ok {
		return false
	}

	key := pendingKey{timestamp: rec.Values[types.ColumnTimestamp]}
	if rec.Kind.HasID() {
		key.id = rec.Values[types.ColumnID]
	}
	if r.opts.ScopeByVIN {
		key.vin = rec.VIN
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.missing > 0 || e.stored {
		return false
	}
	if r.opts.PendingTTL <= 0 {
		delete(t.entries, key)
		return true
	}
	e.stored = true
	e.last = r.opts.Now()
	t.stored++
	return true
}

func (r *Reassembler) key(vin string, g types.FieldGroup) (pendingKey, error) {
	var k pendingKey

	ts, ok := g.Int(types.ColumnTimestamp)
	if !ok {
		return k, errors.Wrapf(errors.ErrMissingKey, "message %s: %s", g.Tag, types.ColumnTimestamp)
	}
	k.timestamp = ts

	if g.Kind.HasID() {
		id, ok := g.Int(types.ColumnID)
		if !ok {
			return k, errors.Wrapf(errors.ErrMissingKey, "message %s: %s", g.Tag, types.ColumnID)
		}
		k.id = id
	}

	if r.opts.ScopeByVIN {
		k.vin = vin
	}
	return k, nil
}

// Evict removes the entries whose last update is older than the pending
// TTL and returns the live ones sorted by kind, VIN and timestamp. Expired
// stored markers are dropped silently.
func (r *Reassembler) Evict(now time.Time) []Evicted {
	if r.opts.PendingTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-r.opts.PendingTTL)

	var out []Evicted
	for _, kind := range types.AllKinds() {
		t := r.tables[kind]

		t.mu.Lock()
		for key, e := range t.entries {
			if !e.last.Before(cutoff) {
				continue
			}
			delete(t.entries, key)
			if e.stored {
				t.stored--
				continue
			}
			out = append(out, Evicted{
				VIN:       e.vin,
				Kind:      kind,
				Timestamp: key.timestamp,
				ID:        key.id,
				Missing:   t.missingFields(e),
				Age:       now.Sub(e.first),
			})
		}
		t.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].VIN != out[j].VIN {
			return out[i].VIN < out[j].VIN
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func (t *table) missingFields(e *entry) []string {
	var missing []string
	for i, ok := range e.set {
		if !ok {
			missing = append(missing, t.fields[i])
		}
	}
	return missing
}

// Pending returns the number of live entries of a kind. Stored markers are
// not counted.
func (r *Reassembler) Pending(kind types.Kind) int {
	t, ok := r.tables[kind]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - t.stored
}

// ScopeByVIN reports whether pending keys include the vehicle identifier.
func (r *Reassembler) ScopeByVIN() bool {
	return r.opts.ScopeByVIN
}
