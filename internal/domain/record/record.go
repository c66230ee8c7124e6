// Package record defines the canonical output unit of a harvest: a set of
// named string fields where every field is either resolved or explicitly
// missing.
package record

import (
	"encoding/json"
	"slices"
)

// MissingSentinel is the stored form of a field that could not be resolved.
const MissingSentinel = "NaN"

// Value is a single field value. The zero Value is missing.
type Value struct {
	text    string
	present bool
}

// Present returns a resolved value. The text is stored as given; callers
// normalize at extraction time.
func Present(text string) Value { return Value{text: text, present: true} }

// Missing returns the explicit "no value" marker.
func Missing() Value { return Value{} }

// OrMissing returns Present(text) for non-empty text and Missing otherwise.
func OrMissing(text string) Value {
	if text == "" {
		return Missing()
	}
	return Present(text)
}

// IsMissing reports whether the value is the missing marker. A present value
// whose text equals the sentinel is treated as missing too, since that is
// how upstream sources spell "no value".
func (v Value) IsMissing() bool { return !v.present || v.text == MissingSentinel }

// Text returns the resolved text, or the sentinel when missing.
func (v Value) Text() string {
	if v.IsMissing() {
		return MissingSentinel
	}
	return v.text
}

// String implements fmt.Stringer.
func (v Value) String() string { return v.Text() }

// MarshalJSON stores a value as its text, using the sentinel for missing.
func (v Value) MarshalJSON() ([]byte, error) { return json.Marshal(v.Text()) }

// UnmarshalJSON reads a stored value back; the sentinel becomes Missing.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == MissingSentinel {
		*v = Missing()
		return nil
	}
	*v = Present(s)
	return nil
}

// Record maps field names to values. Every field named by the schema it was
// built from is present as a key, possibly holding Missing.
type Record struct {
	fields map[string]Value
	order  []string
}

// New builds a record with every schema field initialized to Missing.
func New(schema ...string) Record {
	r := Record{fields: make(map[string]Value, len(schema))}
	for _, name := range schema {
		r.Set(name, Missing())
	}
	return r
}

// Set assigns a field, adding it to the record if it is new.
func (r *Record) Set(name string, v Value) {
	if r.fields == nil {
		r.fields = make(map[string]Value)
	}
	if _, ok := r.fields[name]; !ok {
		r.order = append(r.order, name)
	}
	r.fields[name] = v
}

// Get returns a field's value. Unknown fields read as Missing.
func (r Record) Get(name string) Value { return r.fields[name] }

// Has reports whether the record carries the field as a key.
func (r Record) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// Fields returns field names in insertion order.
func (r Record) Fields() []string { return slices.Clone(r.order) }

// Len is the number of fields.
func (r Record) Len() int { return len(r.order) }

// Map flattens the record to field -> stored text.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.fields))
	for name, v := range r.fields {
		out[name] = v.Text()
	}
	return out
}

// Clone returns an independent copy.
func (r Record) Clone() Record {
	c := Record{fields: make(map[string]Value, len(r.fields)), order: slices.Clone(r.order)}
	for k, v := range r.fields {
		c.fields[k] = v
	}
	return c
}
