package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrFieldMissing is returned when a field is absent or null.
	ErrFieldMissing = errors.New("field missing")
	// ErrFieldType is returned when a field holds the wrong JSON type.
	ErrFieldType = errors.New("field has wrong type")
	// ErrFieldEmpty is returned when a required string field is empty.
	ErrFieldEmpty = errors.New("field empty")
)

// FieldError describes why a payload field was rejected.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErr(key string, err error) error {
	return &FieldError{Field: key, Err: err}
}

// Payload is a decoded JSON object. Values stay raw until read through one
// of the typed accessors, so absent, null, wrong-typed and empty values can
// be told apart.
type Payload map[string]json.RawMessage

// Has reports whether key is present with a non-null value.
func (p Payload) Has(key string) bool {
	raw, ok := p[key]
	return ok && string(raw) != "null"
}

// String returns a non-empty string field.
func (p Payload) String(key string) (string, error) {
	if !p.Has(key) {
		return "", fieldErr(key, ErrFieldMissing)
	}
	var s string
	if err := json.Unmarshal(p[key], &s); err != nil {
		return "", fieldErr(key, ErrFieldType)
	}
	if s == "" {
		return "", fieldErr(key, ErrFieldEmpty)
	}
	return s, nil
}

// OptionalString returns the string at key, or "" when it is absent, null,
// empty or not a string.
func (p Payload) OptionalString(key string) string {
	s, _ := p.String(key)
	return s
}

// Bool reads a flag that may be sent as a JSON boolean or as one of the
// strings "true", "false", "1" and "0".
func (p Payload) Bool(key string) (bool, error) {
	if !p.Has(key) {
		return false, fieldErr(key, ErrFieldMissing)
	}
	var b bool
	if err := json.Unmarshal(p[key], &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(p[key], &s); err != nil {
		return false, fieldErr(key, ErrFieldType)
	}
	switch s {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	case "":
		return false, fieldErr(key, ErrFieldEmpty)
	default:
		return false, fieldErr(key, ErrFieldType)
	}
}

// Object returns a nested JSON object field.
func (p Payload) Object(key string) (Payload, error) {
	if !p.Has(key) {
		return nil, fieldErr(key, ErrFieldMissing)
	}
	var obj Payload
	if err := json.Unmarshal(p[key], &obj); err != nil || obj == nil {
		return nil, fieldErr(key, ErrFieldType)
	}
	return obj, nil
}

// StringList returns a JSON array of strings.
func (p Payload) StringList(key string) ([]string, error) {
	if !p.Has(key) {
		return nil, fieldErr(key, ErrFieldMissing)
	}
	var list []string
	if err := json.Unmarshal(p[key], &list); err != nil {
		return nil, fieldErr(key, ErrFieldType)
	}
	return list, nil
}
