// ABOUTME: Wire envelope for the relay protocol: a flat JSON object with a type discriminator
// ABOUTME: Fields stay raw until a handler decodes the typed payload it needs

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Sentinel errors for envelope decoding.
var (
	// ErrMalformed indicates the frame is not a JSON object with a string type.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType indicates a well-formed envelope whose type is not in the catalog.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField indicates a required payload field is absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// Envelope is one discrete message: {"type": "...", ...fields}.
type Envelope struct {
	Type   string
	Fields map[string]json.RawMessage
}

// New creates an envelope of the given type with no fields.
func New(typ string) *Envelope {
	return &Envelope{Type: typ, Fields: make(map[string]json.RawMessage)}
}

// Parse decodes a raw frame. It fails with ErrMalformed when the frame is not
// an object or carries no string "type".
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: not an object", ErrMalformed)
	}

	typRaw, ok := raw["type"]
	if !ok {
		return fmt.Errorf("%w: no type", ErrMalformed)
	}
	var typ string
	if err := json.Unmarshal(typRaw, &typ); err != nil || typ == "" {
		return fmt.Errorf("%w: type must be a non-empty string", ErrMalformed)
	}
	delete(raw, "type")

	e.Type = typ
	e.Fields = raw
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+1)
	maps.Copy(out, e.Fields)
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = typ
	return json.Marshal(out)
}

// Bytes marshals the envelope, panicking only on values json cannot encode,
// which Set already rejects.
func (e *Envelope) Bytes() []byte {
	b, err := e.MarshalJSON()
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s: %v", e.Type, err))
	}
	return b
}

// Set stores a field, encoding value as JSON. Values that cannot be encoded
// are dropped and reported.
func (e *Envelope) Set(key string, value any) error {
	if key == "type" {
		return fmt.Errorf("field name %q is reserved", key)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding field %s: %w", key, err)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[key] = b
	return nil
}

// With is Set for chaining when the value is known to encode.
func (e *Envelope) With(key string, value any) *Envelope {
	_ = e.Set(key, value)
	return e
}

// Has reports whether the field is present and not JSON null.
func (e *Envelope) Has(key string) bool {
	v, ok := e.Fields[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// String returns a string field. ok is false when absent or not a string.
func (e *Envelope) String(key string) (string, bool) {
	v, present := e.Fields[key]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// Decode unmarshals one field into dst.
func (e *Envelope) Decode(key string, dst any) error {
	v, ok := e.Fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// Clone returns a deep copy with a new type. Raw field bytes are copied so the
// clone can be mutated independently.
func (e *Envelope) Clone(typ string) *Envelope {
	c := New(typ)
	for k, v := range e.Fields {
		c.Fields[k] = bytes.Clone(v)
	}
	return c
}

// Without removes the named fields and returns the envelope.
func (e *Envelope) Without(keys ...string) *Envelope {
	for _, k := range keys {
		delete(e.Fields, k)
	}
	return e
}

// RequireString checks that every key holds a non-empty string.
func (e *Envelope) RequireString(keys ...string) error {
	for _, k := range keys {
		if s, ok := e.String(k); !ok || s == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, k)
		}
	}
	return nil
}

// RequirePresent checks that every key is present and not null.
func (e *Envelope) RequirePresent(keys ...string) error {
	for _, k := range keys {
		if !e.Has(k) {
			return fmt.Errorf("%w: %s", ErrMissingField, k)
		}
	}
	return nil
}
