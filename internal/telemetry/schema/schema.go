// Package schema holds the protocol registry: message type tags, the record
// kind and field order of each message, and the bounds and resolution of
// every column. A Registry is immutable once loaded.
package schema

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/validation"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

// Column describes one column of a record kind.
type Column struct {
	Name       string  `yaml:"name"`
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	Resolution float64 `yaml:"resolution"`
	Derived    bool    `yaml:"derived"`
}

// Contains reports whether v lies within the column bounds.
func (c Column) Contains(v float64) bool {
	return v >= c.Min && v <= c.Max
}

// Message describes one message type.
type Message struct {
	Tag    string
	Kind   types.Kind
	Fields []string
}

// KindSchema describes one record kind.
type KindSchema struct {
	Kind    types.Kind
	Key     []string
	Columns []Column

	fields []string
	stored []string
	index  map[string]int
}

// Fields returns every non-derived column name in canonical order,
// key columns included. These are the fields a pending record waits for.
func (k *KindSchema) Fields() []string {
	return k.fields
}

// Stored returns the non-key column names in canonical order, derived
// columns included. Normalized records of the kind share this slice.
func (k *KindSchema) Stored() []string {
	return k.stored
}

// Column returns the named column.
func (k *KindSchema) Column(name string) (Column, bool) {
	i, ok := k.index[name]
	if !ok {
		return Column{}, false
	}
	return k.Columns[i], true
}

// IsKey reports whether name is part of the natural key.
func (k *KindSchema) IsKey(name string) bool {
	for _, key := range k.Key {
		if key == name {
			return true
		}
	}
	return false
}

// Registry maps message tags to their schema.
type Registry struct {
	messages map[string]*Message
	order    []*Message
	kinds    map[types.Kind]*KindSchema
}

// Message returns the schema of a message tag.
func (r *Registry) Message(tag string) (*Message, bool) {
	m, ok := r.messages[tag]
	return m, ok
}

// Messages returns the message types of a kind in registry order.
func (r *Registry) Messages(kind types.Kind) []*Message {
	var out []*Message
	for _, m := range r.order {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Kind returns the schema of a record kind.
func (r *Registry) Kind(kind types.Kind) *KindSchema {
	return r.kinds[kind]
}

// Fields returns every non-derived field of a kind.
func (r *Registry) Fields(kind types.Kind) []string {
	return r.kinds[kind].Fields()
}

// Columns returns every column of a kind in canonical order.
func (r *Registry) Columns(kind types.Kind) []Column {
	return r.kinds[kind].Columns
}

// =============================================================================
// Loading
// =============================================================================

type fileFormat struct {
	Kinds map[string]struct {
		Columns []Column `yaml:"columns"`
	} `yaml:"kinds"`
	Messages []struct {
		Tag    string   `yaml:"tag"`
		Kind   string   `yaml:"kind"`
		Fields []string `yaml:"fields"`
	} `yaml:"messages"`
}

// Default returns the embedded registry.
func Default() (*Registry, error) {
	return Parse(defaultRegistryYAML)
}

// Load reads a registry from a YAML file. An empty path selects the
// embedded registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a registry.
func Parse(data []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	r := &Registry{
		messages: make(map[string]*Message),
		kinds:    make(map[types.Kind]*KindSchema),
	}
	verrs := errors.NewValidationErrors()

	for name, k := range f.Kinds {
		kind, err := types.ParseKind(name)
		if err != nil {
			verrs.AddField("kinds", err.Error())
			continue
		}
		r.kinds[kind] = buildKind(kind, k.Columns, verrs)
	}

	for _, kind := range types.AllKinds() {
		if r.kinds[kind] == nil {
			verrs.AddField("kinds", fmt.Sprintf("kind %s is not declared", kind))
			r.kinds[kind] = buildKind(kind, nil, verrs)
		}
	}

	for _, m := range f.Messages {
		if err := validation.ValidateMessageTag(m.Tag); err != nil {
			verrs.AddField("messages", err.Error())
			continue
		}
		if _, dup := r.messages[m.Tag]; dup {
			verrs.AddField("messages", fmt.Sprintf("duplicate message tag %s", m.Tag))
			continue
		}
		kind, err := types.ParseKind(m.Kind)
		if err != nil {
			verrs.AddField("messages."+m.Tag, err.Error())
			continue
		}

		msg := &Message{Tag: m.Tag, Kind: kind, Fields: m.Fields}
		checkMessage(r.kinds[kind], msg, verrs)
		r.messages[m.Tag] = msg
		r.order = append(r.order, msg)
	}

	for _, kind := range types.AllKinds() {
		checkCoverage(r.kinds[kind], r.Messages(kind), verrs)
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func buildKind(kind types.Kind, columns []Column, verrs *errors.ValidationErrors) *KindSchema {
	ks := &KindSchema{
		Kind:    kind,
		Key:     kind.KeyFields(),
		Columns: columns,
		index:   make(map[string]int, len(columns)),
	}
	prefix := "kinds." + kind.String()

	for i, c := range columns {
		if err := validation.ValidateColumnName(c.Name); err != nil {
			verrs.AddField(prefix, err.Error())
			continue
		}
		if _, dup := ks.index[c.Name]; dup {
			verrs.AddField(prefix, fmt.Sprintf("duplicate column %s", c.Name))
			continue
		}
		if c.Min > c.Max {
			verrs.AddField(prefix+"."+c.Name, "min exceeds max")
		}
		if c.Resolution <= 0 {
			verrs.AddField(prefix+"."+c.Name, "resolution must be positive")
		}
		ks.index[c.Name] = i

		if !c.Derived {
			ks.fields = append(ks.fields, c.Name)
		}
		if !ks.IsKey(c.Name) {
			ks.stored = append(ks.stored, c.Name)
		}
	}

	for _, key := range ks.Key {
		c, ok := ks.Column(key)
		if !ok {
			verrs.AddField(prefix, fmt.Sprintf("key column %s is not declared", key))
		} else if c.Derived {
			verrs.AddField(prefix, fmt.Sprintf("key column %s cannot be derived", key))
		}
	}

	return ks
}

func checkMessage(ks *KindSchema, m *Message, verrs *errors.ValidationErrors) {
	prefix := "messages." + m.Tag
	seen := make(map[string]bool, len(m.Fields))

	for _, f := range m.Fields {
		if seen[f] {
			verrs.AddField(prefix, fmt.Sprintf("duplicate field %s", f))
			continue
		}
		seen[f] = true

		c, ok := ks.Column(f)
		if !ok {
			verrs.AddField(prefix, fmt.Sprintf("field %s is not a %s column", f, ks.Kind))
		} else if c.Derived {
			verrs.AddField(prefix, fmt.Sprintf("field %s is derived", f))
		}
	}

	for _, key := range ks.Key {
		if !seen[key] {
			verrs.AddField(prefix, fmt.Sprintf("missing key field %s", key))
		}
	}
}

func checkCoverage(ks *KindSchema, messages []*Message, verrs *errors.ValidationErrors) {
	supplied := make(map[string]bool)
	for _, m := range messages {
		for _, f := range m.Fields {
			supplied[f] = true
		}
	}

	for _, f := range ks.fields {
		if !supplied[f] {
			verrs.AddField("kinds."+ks.Kind.String(), fmt.Sprintf("column %s is not supplied by any message", f))
		}
	}
}
