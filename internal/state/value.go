package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Kind discriminates the three shapes an attribute value can take.
type Kind uint8

const (
	// KindUninitialized is the zero value: the attribute was declared but
	// nothing has been written yet.
	KindUninitialized Kind = iota
	// KindUnknown marks a value that existed but is currently not known,
	// for example because a device stopped answering.
	KindUnknown
	// KindConcrete carries a payload.
	KindConcrete
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindConcrete:
		return "concrete"
	default:
		return "uninitialized"
	}
}

// Value is the tagged union stored for every attribute.
type Value struct {
	kind    Kind
	payload any
}

// Uninitialized returns the value of a freshly declared attribute.
func Uninitialized() Value { return Value{} }

// Unknown returns the "known to be unknown" value.
func Unknown() Value { return Value{kind: KindUnknown} }

// Concrete wraps payload.
func Concrete(payload any) Value { return Value{kind: KindConcrete, payload: payload} }

func (v Value) Kind() Kind            { return v.kind }
func (v Value) IsConcrete() bool      { return v.kind == KindConcrete }
func (v Value) IsUnknown() bool       { return v.kind == KindUnknown }
func (v Value) IsUninitialized() bool { return v.kind == KindUninitialized }

// Payload returns the concrete payload, nil otherwise.
func (v Value) Payload() any {
	if v.kind != KindConcrete {
		return nil
	}
	return v.payload
}

// Equal reports whether both values have the same kind and, when concrete,
// deeply equal payloads.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind != KindConcrete {
		return true
	}
	return reflect.DeepEqual(v.payload, o.payload)
}

// AsString returns the payload when it is a string or a fmt.Stringer.
func (v Value) AsString() (string, bool) {
	if v.kind != KindConcrete {
		return "", false
	}
	switch p := v.payload.(type) {
	case string:
		return p, true
	case fmt.Stringer:
		return p.String(), true
	}
	return "", false
}

// AsInt converts integral and float payloads, truncating the latter.
func (v Value) AsInt() (int, bool) {
	if v.kind != KindConcrete {
		return 0, false
	}
	switch p := v.payload.(type) {
	case int:
		return p, true
	case int32:
		return int(p), true
	case int64:
		return int(p), true
	case uint:
		return int(p), true
	case float32:
		return int(p), true
	case float64:
		return int(p), true
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindConcrete {
		return 0, false
	}
	switch p := v.payload.(type) {
	case float64:
		return p, true
	case float32:
		return float64(p), true
	case int:
		return float64(p), true
	case int64:
		return float64(p), true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindConcrete {
		return false, false
	}
	b, ok := v.payload.(bool)
	return b, ok
}

// String renders the payload for logs and outbound publishing. Non-concrete
// values render as their kind.
func (v Value) String() string {
	if v.kind != KindConcrete {
		return v.kind.String()
	}
	switch p := v.payload.(type) {
	case string:
		return p
	case fmt.Stringer:
		return p.String()
	case bool:
		return strconv.FormatBool(p)
	case int, int32, int64, uint, float32, float64:
		return fmt.Sprint(p)
	}
	raw, err := json.Marshal(v.payload)
	if err != nil {
		return fmt.Sprint(v.payload)
	}
	return string(raw)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind != KindConcrete {
		return json.Marshal(map[string]any{"kind": v.kind.String()})
	}
	return json.Marshal(map[string]any{"kind": v.kind.String(), "value": v.payload})
}
