package docstore

import (
	"encoding/json"
	"fmt"
)

// Normalize converts v into the JSON value model by round-tripping it
// through encoding/json. Structs become map[string]any, slices become []any
// and numbers become float64.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}

// ToData normalizes v and requires the result to be an object.
func ToData(v any) (Data, error) {
	if v == nil {
		return Data{}, nil
	}
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return Data{}, nil
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document body must be an object, got %T", n)
	}
	return Data(m), nil
}

// Decode converts a raw JSON value (as stored in Data) into T.
func Decode[T any](raw any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("failed to encode field: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("failed to decode field: %w", err)
	}
	return out, nil
}

// DecodeField decodes the named field of snap into T. ok is false when the
// document or the field is absent (or null), in which case out is the zero value.
func DecodeField[T any](snap *Snapshot, field string) (out T, ok bool, err error) {
	raw, present := snap.Field(field)
	if !present || raw == nil {
		return out, false, nil
	}
	out, err = Decode[T](raw)
	if err != nil {
		return out, false, fmt.Errorf("field %q of %s: %w", field, snap.Ref, err)
	}
	return out, true, nil
}

// FieldData builds a single-field document body.
func FieldData(field string, value any) (Data, error) {
	n, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	return Data{field: n}, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Data:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
