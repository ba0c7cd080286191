package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the wire shape shared by every tagged union in a chain
// document: {"type": "<Variant>", "config": {...}}.
type envelope struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

type decoder[T any] func(json.RawMessage) (T, error)

// variant builds a decoder that unmarshals the config block into V.
func variant[T any, V any](wrap func(V) T) decoder[T] {
	return func(raw json.RawMessage) (T, error) {
		var v V
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &v); err != nil {
				var zero T
				return zero, err
			}
		}
		return wrap(v), nil
	}
}

func marshalTagged(tag string, config any) ([]byte, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: tag, Config: cfg})
}

// decodeTagged decodes an envelope and dispatches on its type tag. A null or
// empty document yields the zero value of T.
func decodeTagged[T any](raw json.RawMessage, union string, decoders map[string]decoder[T]) (T, error) {
	var zero T
	if isNull(raw) {
		return zero, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("%s: %w", union, err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return zero, fmt.Errorf("%s: unknown type %q", union, env.Type)
	}
	v, err := dec(env.Config)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", union, env.Type, err)
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
