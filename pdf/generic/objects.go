// Package generic provides the PDF object model and a parser for it.
package generic

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// Object is the interface implemented by every PDF object type.
type Object interface {
	// Write serializes the object in PDF syntax.
	Write(w io.Writer) error
}

// Null is the PDF null object.
type Null struct{}

func (Null) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

// Boolean is a PDF boolean.
type Boolean bool

func (b Boolean) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatBool(bool(b)))
	return err
}

// Integer is a PDF integer.
type Integer int64

func (i Integer) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

// Real is a PDF real number.
type Real float64

func (r Real) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(float64(r), 'f', -1, 64))
	return err
}

// Number extracts a float from an Integer or Real.
func Number(obj Object) (float64, bool) {
	switch v := obj.(type) {
	case Integer:
		return float64(v), true
	case Real:
		return float64(v), true
	}
	return 0, false
}

// Name is a PDF name object, stored without the leading slash.
type Name string

func (n Name) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c <= ' ' || c > '~' || c == '#' || c == '%' || c == '/' || isDelimiter(c) {
			fmt.Fprintf(&buf, "#%02X", c)
		} else {
			buf.WriteByte(c)
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// String is a PDF string. Hex controls the serialized form.
type String struct {
	Data []byte
	Hex  bool
}

// NewString creates a literal string object.
func NewString(s string) *String {
	return &String{Data: []byte(s)}
}

// NewHexString creates a hexadecimal string object.
func NewHexString(data []byte) *String {
	return &String{Data: data, Hex: true}
}

func (s *String) Write(w io.Writer) error {
	if s.Hex {
		_, err := fmt.Fprintf(w, "<%s>", hex.EncodeToString(s.Data))
		return err
	}
	var buf bytes.Buffer
	buf.WriteByte('(')
	for _, c := range s.Data {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 32 || c > 126 {
				fmt.Fprintf(&buf, "\\%03o", c)
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte(')')
	_, err := w.Write(buf.Bytes())
	return err
}

// Text decodes the string value, honoring a UTF-16BE BOM when present.
func (s *String) Text() string {
	d := s.Data
	if len(d) >= 2 && d[0] == 0xFE && d[1] == 0xFF {
		var b bytes.Buffer
		for i := 2; i+1 < len(d); i += 2 {
			b.WriteRune(rune(d[i])<<8 | rune(d[i+1]))
		}
		return b.String()
	}
	return string(d)
}

// Array is a PDF array.
type Array []Object

func (a Array) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if err := item.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// Dict is a PDF dictionary. Key insertion order is preserved so output
// stays deterministic.
type Dict struct {
	keys []string
	m    map[string]Object
}

// NewDict creates an empty dictionary.
func NewDict() *Dict {
	return &Dict{m: make(map[string]Object)}
}

func (d *Dict) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, k := range d.keys {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
		if err := Name(k).Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := d.m[k].Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n>>")
	return err
}

// Set stores a key-value pair.
func (d *Dict) Set(key string, value Object) {
	if _, ok := d.m[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.m[key] = value
}

// Get returns the value for key, or nil.
func (d *Dict) Get(key string) Object {
	return d.m[key]
}

// Has reports whether key is present.
func (d *Dict) Has(key string) bool {
	_, ok := d.m[key]
	return ok
}

// Delete removes a key.
func (d *Dict) Delete(key string) {
	if _, ok := d.m[key]; !ok {
		return
	}
	delete(d.m, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	return d.keys
}

// GetName returns a name value, or "".
func (d *Dict) GetName(key string) string {
	if n, ok := d.m[key].(Name); ok {
		return string(n)
	}
	return ""
}

// GetInt returns an integer value.
func (d *Dict) GetInt(key string) (int64, bool) {
	if i, ok := d.m[key].(Integer); ok {
		return int64(i), true
	}
	return 0, false
}

// GetArray returns an array value, or nil.
func (d *Dict) GetArray(key string) Array {
	if a, ok := d.m[key].(Array); ok {
		return a
	}
	return nil
}

// GetDict returns a dictionary value, or nil.
func (d *Dict) GetDict(key string) *Dict {
	if sub, ok := d.m[key].(*Dict); ok {
		return sub
	}
	return nil
}

// Clone makes a shallow-value deep-structure copy: nested dictionaries
// and arrays are copied, leaf objects are shared.
func (d *Dict) Clone() *Dict {
	out := NewDict()
	for _, k := range d.keys {
		out.Set(k, cloneObject(d.m[k]))
	}
	return out
}

func cloneObject(obj Object) Object {
	switch v := obj.(type) {
	case *Dict:
		return v.Clone()
	case Array:
		out := make(Array, len(v))
		for i, item := range v {
			out[i] = cloneObject(item)
		}
		return out
	}
	return obj
}

// Stream is a PDF stream: a dictionary plus raw (encoded) data.
type Stream struct {
	Dict *Dict
	// Raw holds the data as stored in the file (possibly filtered).
	Raw []byte
	// Decoded holds unfiltered data once a reader has decoded it.
	Decoded []byte
}

// NewStream creates a stream with the given dictionary and raw data.
func NewStream(dict *Dict, data []byte) *Stream {
	if dict == nil {
		dict = NewDict()
	}
	return &Stream{Dict: dict, Raw: data}
}

func (s *Stream) Write(w io.Writer) error {
	s.Dict.Set("Length", Integer(len(s.Raw)))
	if err := s.Dict.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Raw); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}

// Ref is an indirect reference.
type Ref struct {
	Num int
	Gen int
}

func (r Ref) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.Num, r.Gen)
	return err
}

// Indirect is an object definition with its object and generation numbers.
type Indirect struct {
	Num int
	Gen int
	Obj Object
}

func (i *Indirect) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", i.Num, i.Gen); err != nil {
		return err
	}
	if i.Obj != nil {
		if err := i.Obj.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

// Ref returns a reference to this object.
func (i *Indirect) Ref() Ref {
	return Ref{Num: i.Num, Gen: i.Gen}
}

// Rect is a PDF rectangle given as lower-left and upper-right corners.
type Rect struct {
	LLX, LLY, URX, URY float64
}

// RectFromArray builds a rectangle from a 4-element numeric array.
func RectFromArray(a Array) (Rect, error) {
	if len(a) != 4 {
		return Rect{}, fmt.Errorf("rectangle needs 4 elements, got %d", len(a))
	}
	var v [4]float64
	for i, obj := range a {
		n, ok := Number(obj)
		if !ok {
			return Rect{}, fmt.Errorf("rectangle element %d is not numeric", i)
		}
		v[i] = n
	}
	return Rect{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}, nil
}

// Width returns the rectangle width.
func (r Rect) Width() float64 { return r.URX - r.LLX }

// Height returns the rectangle height.
func (r Rect) Height() float64 { return r.URY - r.LLY }
