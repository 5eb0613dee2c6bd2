package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEnvelope = errors.New("unrecognized response envelope")

// EnvelopeKind names the shape a list response arrived in. The backend is not
// consistent about it, so every list is decoded through DecodeEnvelope once
// and the rest of the code only ever sees the items.
type EnvelopeKind string

const (
	KindBare     EnvelopeKind = "bare"
	KindData     EnvelopeKind = "data"
	KindSessions EnvelopeKind = "sessions"
	KindResults  EnvelopeKind = "results"
)

// wrapped keys in lookup order
var envelopeKeys = []EnvelopeKind{KindData, KindSessions, KindResults}

type Envelope struct {
	Kind  EnvelopeKind
	Items json.RawMessage
}

func DecodeEnvelope(body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty body", ErrUnknownEnvelope)
	}

	switch trimmed[0] {
	case '[':
		return Envelope{Kind: KindBare, Items: json.RawMessage(trimmed)}, nil
	case '{':
	default:
		return Envelope{}, fmt.Errorf("%w: body is neither array nor object", ErrUnknownEnvelope)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrUnknownEnvelope, err)
	}

	for _, key := range envelopeKeys {
		raw, ok := fields[string(key)]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if bytes.Equal(raw, []byte("null")) {
			return Envelope{Kind: key, Items: json.RawMessage("[]")}, nil
		}
		if len(raw) == 0 || raw[0] != '[' {
			return Envelope{}, fmt.Errorf("%w: %q is not an array", ErrUnknownEnvelope, key)
		}
		return Envelope{Kind: key, Items: raw}, nil
	}

	return Envelope{}, fmt.Errorf("%w: no list field", ErrUnknownEnvelope)
}

func DecodeList[T any](body []byte) ([]T, EnvelopeKind, error) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		return nil, "", err
	}
	var items []T
	if err := json.Unmarshal(env.Items, &items); err != nil {
		return nil, env.Kind, fmt.Errorf("decode %s items: %w", env.Kind, err)
	}
	return items, env.Kind, nil
}

// ID accepts identifiers sent either as JSON strings or numbers.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}
