// Package feed reads packets from the inbound feed and hands them to the
// ingestion pipeline.
//
// A feed message is a JSON envelope carrying the vehicle identifier and the
// raw packet text:
//
//	{"DeviceId": "WVWZZZ1JZXW000001", "OriginalMessage": "$G1:1706745600,...,#&"}
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/storage/ingestion"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

// Envelope is one feed message.
type Envelope struct {
	DeviceId        string `json:"DeviceId"`
	OriginalMessage string `json:"OriginalMessage"`
}

// Packet converts the envelope into a pipeline packet.
func (e Envelope) Packet(receivedAt time.Time) types.Packet {
	return types.Packet{
		VIN:        strings.TrimSpace(e.DeviceId),
		Raw:        e.OriginalMessage,
		ReceivedAt: receivedAt,
	}
}

func (e Envelope) validate() error {
	if strings.TrimSpace(e.DeviceId) == "" {
		return errors.NewParse("envelope: DeviceId missing or empty")
	}
	if strings.TrimSpace(e.OriginalMessage) == "" {
		return errors.NewParse("envelope: OriginalMessage missing or empty")
	}
	return nil
}

// DecodeEnvelope decodes one JSON envelope. Unknown fields are ignored.
// Malformed envelopes return an error wrapping errors.ErrParse.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.NewParse("envelope: %v", err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeEnvelopes decodes either a single envelope object or an array of
// envelopes. The whole body is rejected if any element is malformed.
func DecodeEnvelopes(raw []byte) ([]Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.NewParse("envelope: empty body")
	}

	if trimmed[0] != '[' {
		env, err := DecodeEnvelope(trimmed)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	}

	var envs []Envelope
	if err := json.Unmarshal(trimmed, &envs); err != nil {
		return nil, errors.NewParse("envelope array: %v", err)
	}
	for i, env := range envs {
		if err := env.validate(); err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
	}
	return envs, nil
}

// Sink consumes packets. *ingestion.Service is a Sink.
type Sink interface {
	Ingest(ctx context.Context, p types.Packet) (ingestion.Outcome, error)
}
