// Package tree is an immutable tagged-variant representation of JSON
// documents. Objects keep their key order so that transformed documents
// serialize in the order they were received.
package tree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Kind identifies the variant held by a Node
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns a string representation of the kind
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
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Field is one key/value pair of an object node
type Field struct {
	Key   string
	Value Node
}

// Node is a JSON value. The zero value is null.
type Node struct {
	kind   Kind
	b      bool
	num    json.Number
	str    string
	items  []Node
	fields []Field
}

// Null returns a null node
func Null() Node { return Node{} }

// Bool returns a boolean node
func Bool(b bool) Node { return Node{kind: KindBool, b: b} }

// Number returns a numeric node
func Number(n json.Number) Node { return Node{kind: KindNumber, num: n} }

// Float returns a numeric node from a float64
func Float(f float64) Node {
	return Number(json.Number(strconv.FormatFloat(f, 'f', -1, 64)))
}

// String returns a string node
func String(s string) Node { return Node{kind: KindString, str: s} }

// Array returns an array node holding a copy of items
func Array(items ...Node) Node {
	cp := make([]Node, len(items))
	copy(cp, items)
	return Node{kind: KindArray, items: cp}
}

// Object returns an object node holding a copy of fields
func Object(fields ...Field) Node {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Node{kind: KindObject, fields: cp}
}

// Kind returns the variant held by n
func (n Node) Kind() Kind { return n.kind }

// IsScalar reports whether n is neither an array nor an object
func (n Node) IsScalar() bool { return n.kind != KindArray && n.kind != KindObject }

// Str returns the string value of a string node
func (n Node) Str() (string, bool) {
	if n.kind != KindString {
		return "", false
	}
	return n.str, true
}

// Float returns the numeric value of a number node
func (n Node) Float() (float64, bool) {
	if n.kind != KindNumber {
		return 0, false
	}
	f, err := n.num.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// BoolValue returns the value of a boolean node
func (n Node) BoolValue() (bool, bool) {
	if n.kind != KindBool {
		return false, false
	}
	return n.b, true
}

// Text returns the textual form of a scalar node. Composite nodes return "".
func (n Node) Text() string {
	switch n.kind {
	case KindString:
		return n.str
	case KindNumber:
		return n.num.String()
	case KindBool:
		return strconv.FormatBool(n.b)
	default:
		return ""
	}
}

// Items returns a copy of the elements of an array node
func (n Node) Items() []Node {
	cp := make([]Node, len(n.items))
	copy(cp, n.items)
	return cp
}

// Fields returns a copy of the fields of an object node
func (n Node) Fields() []Field {
	cp := make([]Field, len(n.fields))
	copy(cp, n.fields)
	return cp
}

// Len returns the number of items or fields of a composite node
func (n Node) Len() int {
	switch n.kind {
	case KindArray:
		return len(n.items)
	case KindObject:
		return len(n.fields)
	default:
		return 0
	}
}

// Get returns the value stored under key in an object node.
// When a key appears more than once the last occurrence wins.
func (n Node) Get(key string) (Node, bool) {
	if n.kind != KindObject {
		return Node{}, false
	}
	for i := len(n.fields) - 1; i >= 0; i-- {
		if n.fields[i].Key == key {
			return n.fields[i].Value, true
		}
	}
	return Node{}, false
}

// Has reports whether an object node contains key
func (n Node) Has(key string) bool {
	_, ok := n.Get(key)
	return ok
}

// With returns a copy of the object node with key set to value.
// An existing key keeps its position; a new key is appended.
func (n Node) With(key string, value Node) Node {
	if n.kind != KindObject {
		return n
	}
	fields := n.Fields()
	for i := range fields {
		if fields[i].Key == key {
			fields[i].Value = value
			return Node{kind: KindObject, fields: fields}
		}
	}
	return Node{kind: KindObject, fields: append(fields, Field{Key: key, Value: value})}
}

// Without returns a copy of the object node with every occurrence of key removed
func (n Node) Without(key string) Node {
	if n.kind != KindObject {
		return n
	}
	fields := make([]Field, 0, len(n.fields))
	for _, f := range n.fields {
		if f.Key != key {
			fields = append(fields, f)
		}
	}
	return Node{kind: KindObject, fields: fields}
}

// Equal reports whether two nodes hold the same value. Numbers compare by text.
func (n Node) Equal(o Node) bool {
	if n.kind != o.kind {
		return false
	}
	switch n.kind {
	case KindNull:
		return true
	case KindBool:
		return n.b == o.b
	case KindNumber:
		return n.num == o.num
	case KindString:
		return n.str == o.str
	case KindArray:
		if len(n.items) != len(o.items) {
			return false
		}
		for i := range n.items {
			if !n.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(n.fields) != len(o.fields) {
			return false
		}
		for i := range n.fields {
			if n.fields[i].Key != o.fields[i].Key || !n.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Parse decodes a single JSON document into a Node
func Parse(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	n, err := parseValue(dec)
	if err != nil {
		return Node{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Node{}, errors.New("unexpected data after JSON document")
	}
	return n, nil
}

func parseValue(dec *json.Decoder) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return Node{}, fmt.Errorf("failed to read JSON token: %w", err)
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			fields := make([]Field, 0)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Node{}, fmt.Errorf("failed to read object key: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return Node{}, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := parseValue(dec)
				if err != nil {
					return Node{}, err
				}
				fields = append(fields, Field{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil {
				return Node{}, fmt.Errorf("failed to close object: %w", err)
			}
			return Node{kind: KindObject, fields: fields}, nil
		case '[':
			items := make([]Node, 0)
			for dec.More() {
				item, err := parseValue(dec)
				if err != nil {
					return Node{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Node{}, fmt.Errorf("failed to close array: %w", err)
			}
			return Node{kind: KindArray, items: items}, nil
		}
		return Node{}, fmt.Errorf("unexpected delimiter %q", v)
	case string:
		return String(v), nil
	case json.Number:
		return Number(v), nil
	case bool:
		return Bool(v), nil
	case nil:
		return Null(), nil
	default:
		return Node{}, fmt.Errorf("unexpected JSON token %v", tok)
	}
}

// MarshalJSON implements json.Marshaler
func (n Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (n *Node) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

func (n Node) encode(buf *bytes.Buffer) error {
	switch n.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(n.b))
	case KindNumber:
		if n.num == "" {
			buf.WriteString("0")
		} else {
			buf.WriteString(n.num.String())
		}
	case KindString:
		b, err := json.Marshal(n.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, f := range n.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot encode node of kind %s", n.kind)
	}
	return nil
}
