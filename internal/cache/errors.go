package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidKey is reported for empty or blank keys.
	ErrInvalidKey = errors.New("cache key must be a non-empty string")
	// ErrNilValue is reported when Set is given nil.
	ErrNilValue = errors.New("refusing to cache nil value")
	// ErrEmptyObject is reported when Set is given an empty object. An
	// empty success body usually hides an upstream failure.
	ErrEmptyObject = errors.New("refusing to cache empty object")
)

// Error describes a rejected cache operation.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// isEmptyObject reports whether v is an object with no members: an empty
// map, a struct without fields, or a JSON document that is exactly {}.
func isEmptyObject(v any) bool {
	switch x := v.(type) {
	case json.RawMessage:
		return isEmptyJSONObject(x)
	case []byte:
		return isEmptyJSONObject(x)
	case map[string]any:
		return len(x) == 0
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		return rv.Len() == 0
	case reflect.Struct:
		return rv.NumField() == 0
	}
	return false
}

func isEmptyJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) < 2 || b[0] != '{' || b[len(b)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(b[1:len(b)-1])) == 0
}
