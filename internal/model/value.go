package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Kind uint8

const (
	KindLeaf Kind = iota
	KindList
	KindFields
)

// Value is a structured secret payload: a string leaf, an ordered list or a field map.
type Value struct {
	kind        Kind
	leaf        string
	list        []Value
	fields      map[string]Value
	unavailable bool
}

func Leaf(s string) Value {
	return Value{kind: KindLeaf, leaf: s}
}

// Unavailable is a leaf whose plaintext could not be recovered.
func Unavailable() Value {
	return Value{kind: KindLeaf, unavailable: true}
}

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

func Fields(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindFields, fields: fields}
}

func (v Value) Kind() Kind {
	return v.kind
}

// String returns the leaf text. ok is false for structures and unavailable leaves.
func (v Value) String() (string, bool) {
	if v.kind != KindLeaf || v.unavailable {
		return "", false
	}
	return v.leaf, true
}

func (v Value) IsUnavailable() bool {
	return v.kind == KindLeaf && v.unavailable
}

func (v Value) Items() []Value {
	return v.list
}

func (v Value) Fields() map[string]Value {
	return v.fields
}

func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindFields {
		return Value{}, false
	}
	f, ok := v.fields[name]
	return f, ok
}

// FieldNames returns the field names in sorted order.
func (v Value) FieldNames() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Lookup walks path through fields and list indexes.
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, p := range path {
		switch cur.kind {
		case KindFields:
			next, ok := cur.fields[p]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindList:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(cur.list) {
				return Value{}, false
			}
			cur = cur.list[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// ToAny converts v to plain JSON-compatible Go values.
func (v Value) ToAny() any {
	switch v.kind {
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindFields:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.ToAny()
		}
		return out
	default:
		if v.unavailable {
			return nil
		}
		return v.leaf
	}
}

// FromAny builds a Value from decoded JSON or BSON. Non-string leaves are stringified.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case nil:
		return Leaf(""), nil
	case string:
		return Leaf(t), nil
	case bool:
		return Leaf(strconv.FormatBool(t)), nil
	case float64:
		return Leaf(strconv.FormatFloat(t, 'f', -1, 64)), nil
	case float32:
		return Leaf(strconv.FormatFloat(float64(t), 'f', -1, 32)), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Leaf(fmt.Sprint(t)), nil
	case json.Number:
		return Leaf(t.String()), nil
	case []any:
		return listFromAny(t)
	case primitive.A:
		return listFromAny([]any(t))
	case map[string]any:
		return fieldsFromAny(t)
	case primitive.M:
		return fieldsFromAny(map[string]any(t))
	case primitive.D:
		return fieldsFromAny(t.Map())
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func listFromAny(items []any) (Value, error) {
	out := make([]Value, len(items))
	for i, item := range items {
		v, err := FromAny(item)
		if err != nil {
			return Value{}, err
		}
		out[i] = v
	}
	return List(out...), nil
}

func fieldsFromAny(m map[string]any) (Value, error) {
	out := make(map[string]Value, len(m))
	for k, item := range m {
		v, err := FromAny(item)
		if err != nil {
			return Value{}, err
		}
		out[k] = v
	}
	return Fields(out), nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON keeps numbers as their literal text so large values survive.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
