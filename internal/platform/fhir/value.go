package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one node of a semi-structured FHIR JSON document. The zero value is
// JSON null. Arrays and objects are held by reference so repairs can mutate a
// resource in place.
type Value struct {
	kind    Kind
	boolean bool
	number  json.Number
	str     string
	items   []*Value
	object  *Object
}

// Null returns a new JSON null.
func Null() *Value { return &Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) *Value { return &Value{kind: KindBool, boolean: b} }

// Number wraps a JSON number, keeping its textual form.
func Number(n json.Number) *Value { return &Value{kind: KindNumber, number: n} }

// String wraps a string.
func String(s string) *Value { return &Value{kind: KindString, str: s} }

// Array wraps the given items.
func Array(items ...*Value) *Value {
	if items == nil {
		items = []*Value{}
	}
	return &Value{kind: KindArray, items: items}
}

// ObjectValue wraps an object. A nil object becomes an empty one.
func ObjectValue(o *Object) *Value {
	if o == nil {
		o = NewObject()
	}
	return &Value{kind: KindObject, object: o}
}

// Kind reports the variant. A nil *Value is null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v is JSON null (or nil).
func (v *Value) IsNull() bool { return v.Kind() == KindNull }

// Str returns the string payload.
func (v *Value) Str() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	return v.str, true
}

// BoolValue returns the boolean payload.
func (v *Value) BoolValue() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.boolean, true
}

// NumberValue returns the number payload.
func (v *Value) NumberValue() (json.Number, bool) {
	if v.Kind() != KindNumber {
		return "", false
	}
	return v.number, true
}

// Object returns the object payload or nil.
func (v *Value) Object() *Object {
	if v.Kind() != KindObject {
		return nil
	}
	return v.object
}

// Items returns the array payload or nil. The returned slice aliases the
// value's storage.
func (v *Value) Items() []*Value {
	if v.Kind() != KindArray {
		return nil
	}
	return v.items
}

// SetItems replaces the array payload, turning v into an array.
func (v *Value) SetItems(items []*Value) {
	if items == nil {
		items = []*Value{}
	}
	*v = Value{kind: KindArray, items: items}
}

// SetString turns v into a string.
func (v *Value) SetString(s string) {
	*v = Value{kind: KindString, str: s}
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	switch v.Kind() {
	case KindArray:
		items := make([]*Value, len(v.items))
		for i, it := range v.items {
			items[i] = it.Clone()
		}
		return Array(items...)
	case KindObject:
		return ObjectValue(v.object.Clone())
	case KindNull:
		return Null()
	default:
		cp := *v
		return &cp
	}
}

// Object is an insertion-ordered JSON object. Keys keep the position of their
// first Set; re-setting a key replaces the value in place.
type Object struct {
	keys   []string
	fields map[string]*Value
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{fields: make(map[string]*Value)}
}

// Len returns the number of fields.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the field names in order. The caller must not modify it.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

// Has reports whether the field is present, even if null.
func (o *Object) Has(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.fields[key]
	return ok
}

// Get returns the field value.
func (o *Object) Get(key string) (*Value, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.fields[key]
	return v, ok
}

// Set stores a field. A nil value is stored as null.
func (o *Object) Set(key string, v *Value) {
	if v == nil {
		v = Null()
	}
	if o.fields == nil {
		o.fields = make(map[string]*Value)
	}
	if _, ok := o.fields[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.fields[key] = v
}

// SetString is shorthand for Set(key, String(s)).
func (o *Object) SetString(key, s string) { o.Set(key, String(s)) }

// Delete removes a field if present.
func (o *Object) Delete(key string) {
	if o == nil {
		return
	}
	if _, ok := o.fields[key]; !ok {
		return
	}
	delete(o.fields, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// StringField returns the field as a string. Missing or non-string fields yield
// ok == false.
func (o *Object) StringField(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok {
		return "", false
	}
	return v.Str()
}

// ObjectField returns the field as an object, or nil.
func (o *Object) ObjectField(key string) *Object {
	v, ok := o.Get(key)
	if !ok {
		return nil
	}
	return v.Object()
}

// ArrayField returns the field's items and whether the field is an array.
func (o *Object) ArrayField(key string) ([]*Value, bool) {
	v, ok := o.Get(key)
	if !ok || v.Kind() != KindArray {
		return nil, false
	}
	return v.items, true
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	cp := NewObject()
	for _, k := range o.Keys() {
		cp.Set(k, o.fields[k].Clone())
	}
	return cp
}

// ---------------------------------------------------------------------------
// JSON encoding
// ---------------------------------------------------------------------------

// MarshalJSON encodes the value with object keys in insertion order.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes any JSON document into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// MarshalJSON encodes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeObject(&buf, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into o.
func (o *Object) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v.Kind() != KindObject {
		return fmt.Errorf("fhir: expected JSON object, got %s", v.Kind())
	}
	*o = *v.object
	return nil
}

// Decode reads exactly one JSON document from r.
func Decode(r io.Reader) (*Value, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("fhir: unexpected data after top-level value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("fhir: unexpected object key %v", keyTok)
				}
				child, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return ObjectValue(obj), nil
		case '[':
			items := []*Value{}
			for dec.More() {
				child, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				items = append(items, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return Array(items...), nil
		}
	}
	return nil, fmt.Errorf("fhir: unexpected token %v", tok)
}

func encodeValue(buf *bytes.Buffer, v *Value) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.boolean {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.number == "" {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(v.number.String())
	case KindString:
		return encodeString(buf, v.str)
	case KindArray:
		buf.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, it); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return encodeObject(buf, v.object)
	default:
		return fmt.Errorf("fhir: cannot encode %s", v.Kind())
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, o *Object) error {
	buf.WriteByte('{')
	for i, k := range o.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, o.fields[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes s as a JSON string without HTML escaping.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// ParseObject decodes a JSON object.
func ParseObject(data []byte) (*Object, error) {
	v, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	o := v.Object()
	if o == nil {
		return nil, fmt.Errorf("fhir: expected JSON object, got %s", v.Kind())
	}
	return o, nil
}
