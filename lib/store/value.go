package store

import (
	"encoding/json"
	"reflect"
)

// Normalize converts v to the shape encoding/json produces when decoding into
// an any: numbers become float64, maps become map[string]any. Values read from
// meta files, caches and the bus therefore compare equal when they encode
// the same JSON.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal reports whether two normalized values are the same.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
