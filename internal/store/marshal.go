package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/ledgerguard/internal/ir"
)

// envelopeVersion is bumped when the envelope layout changes.
const envelopeVersion = 1

// outcomeEnvelope wraps a stored payload. The payload itself is opaque.
type outcomeEnvelope struct {
	Version       int    `msgpack:"v"`
	SchemaVersion string `msgpack:"schema"`
	Payload       []byte `msgpack:"payload"`
}

func marshalEnvelope(payload []byte) ([]byte, error) {
	data, err := msgpack.Marshal(outcomeEnvelope{
		Version:       envelopeVersion,
		SchemaVersion: ir.SchemaVersion,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) ([]byte, error) {
	var env outcomeEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unmarshal envelope: unsupported version %d", env.Version)
	}
	return env.Payload, nil
}

// marshalParties converts a party list to canonical JSON TEXT.
func marshalParties(parties []ir.Party) (string, error) {
	list := make([]any, len(parties))
	for i, p := range parties {
		list[i] = string(p)
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal parties: %w", err)
	}
	return string(data), nil
}

func unmarshalParties(data string) ([]ir.Party, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var parties []ir.Party
	if err := json.Unmarshal([]byte(data), &parties); err != nil {
		return nil, fmt.Errorf("unmarshal parties: %w", err)
	}
	return parties, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
