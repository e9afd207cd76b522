package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is an immutable JSON value. The zero Value is null.
//
// Upstream responses have no stable shape so every accessor reports whether
// the value had the expected kind instead of failing.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	s    string
	arr  []Value
	keys []string
	obj  map[string]Value
}

// Parse decodes a single JSON document. Object key order is preserved.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decode(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("unexpected data after json value")
	}
	return v, nil
}

func decode(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return Value{kind: Number, num: t}, nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			arr := []Value{}
			for dec.More() {
				item, err := decode(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ArrayValue(arr...), nil
		case '{':
			v := EmptyObject()
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := ktok.(string)
				if !ok {
					return Value{}, fmt.Errorf("invalid object key %v", ktok)
				}
				item, err := decode(dec)
				if err != nil {
					return Value{}, err
				}
				v.set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected json token %v", tok)
}

// BoolValue returns a bool Value.
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: String, s: s} }

// NumberValue returns a number Value for f.
func NumberValue(f float64) Value {
	return Value{kind: Number, num: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

// IntValue returns an integer number Value.
func IntValue(i int64) Value {
	return Value{kind: Number, num: json.Number(strconv.FormatInt(i, 10))}
}

// ArrayValue returns an array Value holding items.
func ArrayValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: Array, arr: items}
}

// EmptyObject returns an object with no keys. It is what a degraded
// sub-result is replaced with.
func EmptyObject() Value {
	return Value{kind: Object, obj: map[string]Value{}}
}

// Pair is one key/value of an object built with ObjectValue.
type Pair struct {
	Key   string
	Value Value
}

// ObjectValue builds an object preserving the order of pairs.
func ObjectValue(pairs ...Pair) Value {
	v := EmptyObject()
	for _, p := range pairs {
		v.set(p.Key, p.Value)
	}
	return v
}

func (v *Value) set(key string, item Value) {
	if _, ok := v.obj[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = item
}

// FromAny converts the output of encoding/json (map[string]any, []any,
// json.Number, float64, string, bool, nil) into a Value. Map keys are
// sorted since Go maps carry no order.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Value{}
	case bool:
		return BoolValue(t)
	case json.Number:
		return Value{kind: Number, num: t}
	case float64:
		return NumberValue(t)
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case string:
		return StringValue(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return ArrayValue(items...)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		v := EmptyObject()
		for _, k := range keys {
			v.set(k, FromAny(t[k]))
		}
		return v
	}
	return Value{}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == Null }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) {
	if v.kind != Bool {
		return false, false
	}
	return v.b, true
}

// Float returns the number held by v. Booleans are not numbers.
func (v Value) Float() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := v.num.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Integer returns the literal of an integral number (no fraction or
// exponent), unchanged.
func (v Value) Integer() (string, bool) {
	if v.kind != Number {
		return "", false
	}
	lit := v.num.String()
	if strings.ContainsAny(lit, ".eE") {
		return "", false
	}
	return lit, true
}

// Str returns the string held by v.
func (v Value) Str() (string, bool) {
	if v.kind != String {
		return "", false
	}
	return v.s, true
}

// Array returns the items of an array.
func (v Value) Array() ([]Value, bool) {
	if v.kind != Array {
		return nil, false
	}
	return v.arr, true
}

// Len returns the number of items of an array or keys of an object.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.keys)
	}
	return 0
}

// Keys returns the keys of an object in document order.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	return v.keys
}

// Get returns the member key of an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	item, ok := v.obj[key]
	return item, ok
}

// Has reports whether v is an object with key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Index returns the i-th item of an array.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Truthy follows the usual JSON truthiness: null, false, 0, "" and empty
// containers are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		f, _ := v.Float()
		return f != 0
	case String:
		return v.s != ""
	case Array, Object:
		return v.Len() > 0
	}
	return false
}

// Pick returns a new object holding only the given keys that v has, in the
// order they are listed.
func (v Value) Pick(keys ...string) Value {
	out := EmptyObject()
	for _, k := range keys {
		if item, ok := v.Get(k); ok {
			out.set(k, item)
		}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) write(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		buf.WriteString(v.num.String())
	case String:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.write(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(b)
			buf.WriteByte(':')
			if err := v.obj[k].write(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String returns the JSON encoding of v.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return string(b)
}
