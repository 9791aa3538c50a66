package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface over the value kinds a record field may hold.
// Only IRNull, IRString, IRInt, IRBool, IRArray, and IRObject implement it.
// There is no float kind.
type IRValue interface {
	irValue()
}

// IRNull represents a JSON null.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value. Always int64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject maps field names to values.
// Iterate with SortedKeys when order matters.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// Kind returns a short name for the value's kind, used in error messages.
func Kind(v IRValue) string {
	switch v.(type) {
	case nil:
		return "missing"
	case IRNull:
		return "null"
	case IRString:
		return "string"
	case IRInt:
		return "int"
	case IRBool:
		return "bool"
	case IRArray:
		return "array"
	case IRObject:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// SortedKeys returns keys ordered by UTF-16 code units, the canonical JSON
// key order. Go's native string order compares UTF-8 bytes and differs for
// characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// Clone returns a deep copy of obj. A nil object clones to an empty one.
func (obj IRObject) Clone() IRObject {
	out := make(IRObject, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v IRValue) IRValue {
	switch val := v.(type) {
	case IRObject:
		return val.Clone()
	case IRArray:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			arr[i] = cloneValue(elem)
		}
		return arr
	default:
		return v
	}
}

// Merge returns a new object holding the fields of obj overlaid by other.
// Fields of other win on collision.
func (obj IRObject) Merge(other IRObject) IRObject {
	out := make(IRObject, len(obj)+len(other))
	for k, v := range obj {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether a and b are structurally equal.
// Object field order never matters; array order does.
func Equal(a, b IRValue) bool {
	switch av := a.(type) {
	case IRNull:
		_, ok := b.(IRNull)
		return ok
	case IRString:
		bv, ok := b.(IRString)
		return ok && av == bv
	case IRInt:
		bv, ok := b.(IRInt)
		return ok && av == bv
	case IRBool:
		bv, ok := b.(IRBool)
		return ok && av == bv
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// FromAny converts a decoded Go value (from encoding/json, yaml.v3 or a
// CUE Decode) into an IRValue. Integral floats are accepted because
// encoding/json decodes every number as float64; fractional ones are not.
func FromAny(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint32:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return IRInt(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("floats are not allowed: %v", val)
		}
		// Beyond 2^53 a float64 may already be a rounded integer.
		if val > maxExactFloatInt || val < -maxExactFloatInt {
			return nil, fmt.Errorf("integer %v is not exact as a float; decode numbers with json.Number", val)
		}
		return IRInt(int64(val)), nil
	case json.Number:
		return numberValue(val)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			irElem, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = irElem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// maxExactFloatInt is the largest integer n such that every integer in
// [-n, n] has an exact float64 representation.
const maxExactFloatInt = 1<<53 - 1

// ObjectFromAny converts a decoded map into an IRObject.
func ObjectFromAny(m map[string]any) (IRObject, error) {
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(IRObject), nil
}

// ToAny converts an IRValue back to plain Go values (string, int64, bool,
// nil, []any, map[string]any) for encoders that do not know about IRValue.
func ToAny(v IRValue) any {
	switch val := v.(type) {
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// ParseJSON decodes a JSON document into an IRValue, rejecting floats.
func ParseJSON(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// ParseObject decodes a JSON object. Empty input yields an empty object.
func ParseObject(data []byte) (IRObject, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return IRObject{}, nil
	}
	v, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", Kind(v))
	}
	return obj, nil
}

func numberValue(n json.Number) (IRValue, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return nil, fmt.Errorf("floats are not allowed: %s", s)
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("number out of int64 range: %s", s)
	}
	return IRInt(i), nil
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	parsed, err := ParseObject(data)
	if err != nil {
		return err
	}
	*obj = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	parsed, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected a JSON array, got %s", Kind(v))
	}
	*arr = parsed
	return nil
}

// MarshalJSON implements json.Marshaler for IRObject. Keys come out in
// canonical order; strings are not NFC normalized (use MarshalCanonical
// for identity).
func (obj IRObject) MarshalJSON() ([]byte, error) {
	return writeValue(obj, false)
}

// MarshalJSON implements json.Marshaler for IRArray.
func (arr IRArray) MarshalJSON() ([]byte, error) {
	return writeValue(arr, false)
}
