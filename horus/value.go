// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "timestamp"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Value is a closed set of primitive attribute values. The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

func NullValue() Value { return Value{} }

func StringValue(s string) Value { return Value{kind: KindString, s: s} }

func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// ReferenceValue holds the id of a linked record.
func ReferenceValue(id string) Value { return Value{kind: KindReference, s: id} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string or reference id held by v.
func (v Value) AsString() string { return v.s }

func (v Value) AsInt() int64 { return v.i }

func (v Value) AsFloat() float64 { return v.f }

func (v Value) AsBool() bool { return v.b }

func (v Value) AsTime() time.Time { return v.t }

// Canonical renders the value in the locale-independent form used for hashing.
func (v Value) Canonical() string {
	switch v.kind {
	case KindString, KindReference:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return "null"
	}
}

func (v Value) String() string { return v.Canonical() }

// Equal reports whether both values render identically for hashing purposes.
func (v Value) Equal(o Value) bool {
	return v.IsNull() == o.IsNull() && v.Canonical() == o.Canonical()
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString, KindReference:
		return json.Marshal(v.s)
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return []byte(strconv.FormatFloat(v.f, 'f', -1, 64)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindTime:
		return json.Marshal(v.t.UTC().Format(time.RFC3339Nano))
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON decodes a JSON scalar. Integral numbers become KindInt, other numbers KindFloat,
// strings KindString. Type information beyond JSON (timestamps, references) is not recovered.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = NullValue()
	case string:
		*v = StringValue(x)
	case bool:
		*v = BoolValue(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		*v = FloatValue(f)
	default:
		return fmt.Errorf("unsupported attribute value %s", string(data))
	}
	return nil
}

// Attribute is one named value of an entity record.
type Attribute struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Entity is one record of a named entity type.
type Entity struct {
	Name       string
	ID         string
	Attributes []Attribute
}

// Get returns the value of the named attribute.
func (e Entity) Get(name string) (Value, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return Value{}, false
}

// AttributesFromMap converts a payload map into attributes sorted by name.
func AttributesFromMap(m map[string]Value) []Attribute {
	attrs := make([]Attribute, 0, len(m))
	for name, v := range m {
		attrs = append(attrs, Attribute{Name: name, Value: v})
	}
	sortAttributes(attrs)
	return attrs
}

// AttributesToMap converts attributes into a payload map. Later duplicates win.
func AttributesToMap(attrs []Attribute) map[string]Value {
	m := make(map[string]Value, len(attrs))
	for _, a := range attrs {
		m[a.Name] = a.Value
	}
	return m
}

// checkUniqueNames returns an error naming the first duplicated attribute.
func checkUniqueNames(attrs []Attribute) error {
	seen := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("duplicate attribute %q", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}
