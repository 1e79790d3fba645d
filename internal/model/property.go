package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PropertyKind discriminates the value variants a graph property can hold.
type PropertyKind uint8

const (
	KindString PropertyKind = iota
	KindFloat
	KindInt
	KindBool
	KindStringList
)

// PropertyValue is a tagged union over the property kinds the graph store
// supports: string, float, integer, bool, and list-of-string. Using a closed
// union instead of a bare any keeps unsupported types (nested maps, structs,
// time values) out of the property bag at compile time.
type PropertyValue struct {
	kind PropertyKind
	str  string
	f    float64
	i    int64
	b    bool
	list []string
}

func StringValue(s string) PropertyValue  { return PropertyValue{kind: KindString, str: s} }
func FloatValue(f float64) PropertyValue  { return PropertyValue{kind: KindFloat, f: f} }
func IntValue(i int64) PropertyValue      { return PropertyValue{kind: KindInt, i: i} }
func BoolValue(b bool) PropertyValue      { return PropertyValue{kind: KindBool, b: b} }
func StringListValue(l []string) PropertyValue {
	return PropertyValue{kind: KindStringList, list: l}
}

// Kind returns the discriminant.
func (v PropertyValue) Kind() PropertyKind { return v.kind }

// Native converts the value to the representation the driver expects.
func (v PropertyValue) Native() any {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	case KindStringList:
		out := make([]any, len(v.list))
		for i, s := range v.list {
			out[i] = s
		}
		return out
	default:
		return v.str
	}
}

// FromNative parses a driver- or decoder-produced value into the union.
// Integral floats collapse to KindInt so round-trips through JSON preserve
// integer properties. Unsupported shapes produce a *ValidationError.
func FromNative(val any) (PropertyValue, error) {
	switch t := val.(type) {
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1<<53 {
			return IntValue(int64(t)), nil
		}
		return FloatValue(t), nil
	case []string:
		return StringListValue(t), nil
	case []any:
		list := make([]string, len(t))
		for i, el := range t {
			s, ok := el.(string)
			if !ok {
				return PropertyValue{}, NewValidationError("props", fmt.Sprintf("list element %d is %T, want string", i, el))
			}
			list[i] = s
		}
		return StringListValue(list), nil
	default:
		return PropertyValue{}, NewValidationError("props", fmt.Sprintf("unsupported property type %T", val))
	}
}

// String renders the value for display. For the string variant this is the
// value itself.
func (v PropertyValue) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindStringList:
		return strings.Join(v.list, ",")
	default:
		return v.str
	}
}

// Float returns the numeric value for float and int variants.
func (v PropertyValue) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Int returns the integer variant (zero value for other kinds).
func (v PropertyValue) Int() int64 { return v.i }

// Bool returns the bool variant (zero value for other kinds).
func (v PropertyValue) Bool() bool { return v.b }

// StringList returns the list variant (nil for other kinds).
func (v PropertyValue) StringList() []string { return v.list }

// MarshalJSON emits the native value so property bags serialize flat.
func (v PropertyValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON parses a flat JSON value into the union.
func (v *PropertyValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pv, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = pv
	return nil
}

// UnmarshalYAML parses a flat YAML value into the union.
func (v *PropertyValue) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	pv, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = pv
	return nil
}
