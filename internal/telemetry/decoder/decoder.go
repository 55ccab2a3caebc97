// Package decoder parses raw telemetry messages into field groups.
//
// A message has the form
//
//	<TYPE>:<v1>,<v2>,...,<vn>[,#&]
//
// where TYPE is a registry tag, optionally prefixed by '$', and ",#&" is the
// end-of-message marker. Tokens that are not signed decimal integers decode
// as null fields.
package decoder

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/types"
	"github.com/xtxerr/evtrack/internal/telemetry/schema"
)

// EndMarker terminates a message payload.
const EndMarker = ",#&"

// Decoder decodes messages against a registry.
type Decoder struct {
	reg *schema.Registry
}

// New creates a decoder.
func New(reg *schema.Registry) *Decoder {
	return &Decoder{reg: reg}
}

// Decode parses one raw message.
func (d *Decoder) Decode(raw string) (types.FieldGroup, error) {
	return Decode(d.reg, raw)
}

// Decode parses one raw message against reg.
func Decode(reg *schema.Registry, raw string) (types.FieldGroup, error) {
	tag, payload, err := split(raw)
	if err != nil {
		return types.FieldGroup{}, err
	}

	msg, ok := reg.Message(tag)
	if !ok {
		return types.FieldGroup{}, errors.NewSchemaMismatch("unknown message type %q", tag)
	}

	tokens := strings.Split(payload, ",")
	if len(tokens) != len(msg.Fields) {
		return types.FieldGroup{}, errors.NewSchemaMismatch(
			"message %s: expected %d values, got %d", tag, len(msg.Fields), len(tokens))
	}

	group := types.FieldGroup{
		Tag:    msg.Tag,
		Kind:   msg.Kind,
		Fields: make([]types.Field, len(tokens)),
	}
	for i, tok := range tokens {
		f := types.Field{Name: msg.Fields[i]}
		tok = strings.TrimSpace(tok)
		if isInteger(tok) {
			v, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				return types.FieldGroup{}, errors.NewParse("message %s: field %s: %q out of range", tag, f.Name, tok)
			}
			f.Value = v
			f.Valid = true
		}
		group.Fields[i] = f
	}

	return group, nil
}

// Tag returns the message type of raw without decoding the payload.
func Tag(raw string) string {
	tag, _, err := split(raw)
	if err != nil {
		return ""
	}
	return tag
}

func split(raw string) (tag, payload string, err error) {
	raw = strings.TrimSpace(raw)

	head, body, ok := strings.Cut(raw, ":")
	if !ok {
		return "", "", errors.NewParse("missing type separator in %q", truncate(raw))
	}

	tag = strings.TrimPrefix(strings.TrimSpace(head), "$")
	if tag == "" {
		return "", "", errors.NewParse("empty message type in %q", truncate(raw))
	}

	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, EndMarker)
	body = strings.TrimSpace(body)
	if body == "" {
		return "", "", errors.NewParse("message %s: empty payload", tag)
	}

	return tag, body, nil
}

// isInteger reports whether s is a decimal digit sequence with an optional
// leading minus sign.
func isInteger(s string) bool {
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
