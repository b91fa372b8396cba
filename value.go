package retrace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindMap
	KindSequence
	KindOpaque
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
	case KindMap:
		return "map"
	case KindSequence:
		return "sequence"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// OpaqueKind describes why a subtree was replaced with an opaque marker
// during capture.
type OpaqueKind string

const (
	// OpaqueBytes stands in for binary content, which is never embedded.
	OpaqueBytes OpaqueKind = "bytes"

	// OpaqueCycle marks a back-reference to an ancestor on the
	// serialization path.
	OpaqueCycle OpaqueKind = "cycle"

	// OpaqueFallback holds the text form of a value with no structural
	// representation.
	OpaqueFallback OpaqueKind = "fallback"

	// OpaqueDepthLimit marks a subtree beyond the serializer's depth bound.
	OpaqueDepthLimit OpaqueKind = "depth_limit"
)

// opaqueMarkerKey distinguishes opaque wrappers from ordinary maps in the
// JSON encoding.
const opaqueMarkerKey = "__opaque__"

// Value is the canonical representation of captured state: a finite, acyclic
// tree of nulls, booleans, numbers, strings, insertion-ordered maps,
// sequences, and opaque markers. Values round-trip through JSON with map key
// order preserved.
type Value struct {
	kind       Kind
	boolVal    bool
	numVal     float64
	strVal     string
	mapKeys    []string
	mapVals    map[string]*Value
	seq        []*Value
	opaqueKind OpaqueKind
	opaqueDesc string
}

// Null returns the null Value.
func Null() *Value {
	return &Value{kind: KindNull}
}

// Bool returns a boolean Value.
func Bool(b bool) *Value {
	return &Value{kind: KindBool, boolVal: b}
}

// Number returns a numeric Value. NaN and infinities have no JSON form, so
// they normalize to their string markers ("NaN", "+Inf", "-Inf").
func Number(f float64) *Value {
	if math.IsNaN(f) {
		return String("NaN")
	}
	if math.IsInf(f, 1) {
		return String("+Inf")
	}
	if math.IsInf(f, -1) {
		return String("-Inf")
	}
	return &Value{kind: KindNumber, numVal: f}
}

// String returns a string Value.
func String(s string) *Value {
	return &Value{kind: KindString, strVal: s}
}

// NewMap returns an empty map Value. Key order follows insertion order.
func NewMap() *Value {
	return &Value{kind: KindMap, mapVals: map[string]*Value{}}
}

// NewSequence returns a sequence Value holding the given items.
func NewSequence(items ...*Value) *Value {
	seq := make([]*Value, len(items))
	copy(seq, items)
	return &Value{kind: KindSequence, seq: seq}
}

// Opaque returns an opaque marker Value.
func Opaque(kind OpaqueKind, descriptor string) *Value {
	return &Value{kind: KindOpaque, opaqueKind: kind, opaqueDesc: descriptor}
}

// A nil *Value is treated as null throughout: JSON null decodes to a nil
// pointer, so accessors, Equal, and the encoder all normalize it.

// Kind returns the variant held by the Value.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether the Value is null.
func (v *Value) IsNull() bool {
	return v == nil || v.kind == KindNull
}

// BoolValue returns the boolean payload. It is zero for other kinds.
func (v *Value) BoolValue() bool {
	if v == nil {
		return false
	}
	return v.boolVal
}

// NumberValue returns the numeric payload. It is zero for other kinds.
func (v *Value) NumberValue() float64 {
	if v == nil {
		return 0
	}
	return v.numVal
}

// StringValue returns the string payload. It is empty for other kinds.
func (v *Value) StringValue() string {
	if v == nil {
		return ""
	}
	return v.strVal
}

// OpaqueInfo returns the opaque kind and descriptor.
func (v *Value) OpaqueInfo() (OpaqueKind, string) {
	if v == nil {
		return "", ""
	}
	return v.opaqueKind, v.opaqueDesc
}

// Len returns the number of entries in a map or items in a sequence, and
// zero for every other kind.
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindMap:
		return len(v.mapKeys)
	case KindSequence:
		return len(v.seq)
	default:
		return 0
	}
}

// Set stores a map entry, preserving the position of existing keys and
// appending new ones.
func (v *Value) Set(key string, value *Value) {
	if v == nil || v.kind != KindMap {
		return
	}
	if _, exists := v.mapVals[key]; !exists {
		v.mapKeys = append(v.mapKeys, key)
	}
	v.mapVals[key] = value
}

// Get returns the map entry for key.
func (v *Value) Get(key string) (*Value, bool) {
	if v == nil || v.kind != KindMap {
		return nil, false
	}
	value, ok := v.mapVals[key]
	return value, ok
}

// Delete removes a map entry. It reports whether the key was present.
func (v *Value) Delete(key string) bool {
	if v == nil || v.kind != KindMap {
		return false
	}
	if _, exists := v.mapVals[key]; !exists {
		return false
	}
	delete(v.mapVals, key)
	for i, k := range v.mapKeys {
		if k == key {
			v.mapKeys = append(v.mapKeys[:i], v.mapKeys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the map keys in insertion order.
func (v *Value) Keys() []string {
	if v == nil || v.kind != KindMap {
		return nil
	}
	keys := make([]string, len(v.mapKeys))
	copy(keys, v.mapKeys)
	return keys
}

// Append adds an item to the end of a sequence.
func (v *Value) Append(item *Value) {
	if v == nil || v.kind != KindSequence {
		return
	}
	v.seq = append(v.seq, item)
}

// Index returns the sequence item at position i.
func (v *Value) Index(i int) (*Value, bool) {
	if v == nil || v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return nil, false
	}
	return v.seq[i], true
}

// SetIndex replaces the sequence item at position i. It reports whether the
// index was in range.
func (v *Value) SetIndex(i int, item *Value) bool {
	if v == nil || v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return false
	}
	v.seq[i] = item
	return true
}

// RemoveIndex deletes the sequence item at position i. It reports whether
// the index was in range.
func (v *Value) RemoveIndex(i int) bool {
	if v == nil || v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return false
	}
	v.seq = append(v.seq[:i], v.seq[i+1:]...)
	return true
}

// Items returns a copy of the sequence items.
func (v *Value) Items() []*Value {
	if v == nil || v.kind != KindSequence {
		return nil
	}
	items := make([]*Value, len(v.seq))
	copy(items, v.seq)
	return items
}

// Copy returns a deep copy of the Value.
func (v *Value) Copy() *Value {
	if v == nil {
		return nil
	}
	switch v.kind {
	case KindMap:
		out := NewMap()
		for _, key := range v.mapKeys {
			out.Set(key, v.mapVals[key].Copy())
		}
		return out
	case KindSequence:
		out := NewSequence()
		for _, item := range v.seq {
			out.Append(item.Copy())
		}
		return out
	default:
		clone := *v
		return &clone
	}
}

// Equal reports deep structural equality. Map key order is a presentation
// property and does not participate: two maps are equal when their key sets
// and per-key values match. A nil Value equals null.
func Equal(a, b *Value) bool {
	if a == nil {
		a = Null()
	}
	if b == nil {
		b = Null()
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.boolVal == b.boolVal
	case KindNumber:
		return a.numVal == b.numVal
	case KindString:
		return a.strVal == b.strVal
	case KindOpaque:
		return a.opaqueKind == b.opaqueKind && a.opaqueDesc == b.opaqueDesc
	case KindMap:
		if len(a.mapKeys) != len(b.mapKeys) {
			return false
		}
		for key, av := range a.mapVals {
			bv, ok := b.mapVals[key]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindSequence:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Interface converts the Value into plain Go data: map[string]any, []any,
// and scalars. Map key order is not carried over. Opaque markers become
// maps with "kind" and "descriptor" entries.
func (v *Value) Interface() any {
	if v == nil {
		return nil
	}
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.boolVal
	case KindNumber:
		return v.numVal
	case KindString:
		return v.strVal
	case KindOpaque:
		return map[string]any{
			"kind":       string(v.opaqueKind),
			"descriptor": v.opaqueDesc,
		}
	case KindMap:
		out := make(map[string]any, len(v.mapKeys))
		for _, key := range v.mapKeys {
			out[key] = v.mapVals[key].Interface()
		}
		return out
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders the Value as compact JSON.
func (v *Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return string(data)
}

// MarshalJSON encodes the Value with map key order preserved.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encodeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encodeJSON(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.boolVal))
	case KindNumber:
		buf.WriteString(strconv.FormatFloat(v.numVal, 'g', -1, 64))
	case KindString:
		return encodeJSONString(buf, v.strVal)
	case KindOpaque:
		buf.WriteByte('{')
		buf.WriteString(`"` + opaqueMarkerKey + `":true,"kind":`)
		if err := encodeJSONString(buf, string(v.opaqueKind)); err != nil {
			return err
		}
		buf.WriteString(`,"descriptor":`)
		if err := encodeJSONString(buf, v.opaqueDesc); err != nil {
			return err
		}
		buf.WriteByte('}')
	case KindMap:
		buf.WriteByte('{')
		for i, key := range v.mapKeys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSONString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := v.mapVals[key].encodeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encodeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("cannot encode value of kind %d", v.kind)
	}
	return nil
}

func encodeJSONString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// UnmarshalJSON decodes a Value, preserving map key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return fmt.Errorf("failed to decode canonical value: %w", err)
	}
	*v = *parsed
	return nil
}

// ParseValue decodes a canonical Value from its JSON form.
func ParseValue(data []byte) (*Value, error) {
	v := &Value{}
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case json.Delim:
		switch t {
		case '{':
			return decodeMap(dec)
		case '[':
			return decodeSequence(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t.String())
		}
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeMap(dec *json.Decoder) (*Value, error) {
	out := NewMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected map key %v", keyTok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out.Set(key, value)
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if opaque, ok := asOpaqueWrapper(out); ok {
		return opaque, nil
	}
	return out, nil
}

func decodeSequence(dec *json.Decoder) (*Value, error) {
	out := NewSequence()
	for dec.More() {
		item, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out.Append(item)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// asOpaqueWrapper recognizes the JSON encoding of an opaque marker.
func asOpaqueWrapper(m *Value) (*Value, bool) {
	if m.Len() != 3 {
		return nil, false
	}
	marker, ok := m.Get(opaqueMarkerKey)
	if !ok || marker.Kind() != KindBool || !marker.BoolValue() {
		return nil, false
	}
	kind, ok := m.Get("kind")
	if !ok || kind.Kind() != KindString {
		return nil, false
	}
	descriptor, ok := m.Get("descriptor")
	if !ok || descriptor.Kind() != KindString {
		return nil, false
	}
	return Opaque(OpaqueKind(kind.StringValue()), descriptor.StringValue()), true
}
