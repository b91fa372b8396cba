package retrace

import (
	"encoding"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultMaxDepth bounds serialization recursion.
	DefaultMaxDepth = 20

	// DefaultMaxStringLength bounds captured string length in runes.
	DefaultMaxStringLength = 200
)

// Canonicalizer lets a type supply its own canonical form. The returned
// value is serialized in place of the original, under the same cycle and
// depth guards.
type Canonicalizer interface {
	CanonicalValue() any
}

// SerializerOptions configures a Serializer. Zero values select defaults.
type SerializerOptions struct {
	MaxDepth        int
	MaxStringLength int
}

// Serializer converts arbitrary Go values into canonical Values. Serialize
// never fails: values with no structural representation degrade to opaque
// markers, cycles collapse to cycle markers, and depth is bounded.
type Serializer struct {
	maxDepth  int
	maxString int
}

// NewSerializer creates a Serializer with the given options.
func NewSerializer(opts SerializerOptions) *Serializer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxStringLength <= 0 {
		opts.MaxStringLength = DefaultMaxStringLength
	}
	return &Serializer{
		maxDepth:  opts.MaxDepth,
		maxString: opts.MaxStringLength,
	}
}

// Serialize converts any value into a canonical Value. It never returns an
// error and never panics; inputs that resist conversion come back as opaque
// markers.
func (s *Serializer) Serialize(input any) (out *Value) {
	defer func() {
		if r := recover(); r != nil {
			out = Opaque(OpaqueFallback, s.truncate(fmt.Sprintf("<unserializable: %v>", r)))
		}
	}()
	return s.serialize(input, map[uintptr]struct{}{}, 0)
}

// seen tracks pointer identities on the active recursion path only: entries
// are added on entry and removed on return, so siblings sharing a reference
// each serialize fully while ancestor cycles collapse.
func (s *Serializer) serialize(input any, seen map[uintptr]struct{}, depth int) *Value {
	if input == nil {
		return Null()
	}
	if depth > s.maxDepth {
		return Opaque(OpaqueDepthLimit, "<max depth exceeded>")
	}

	if c, ok := input.(Canonicalizer); ok {
		if rv := reflect.ValueOf(input); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Null()
		}
		if custom, ok := callCanonicalValue(c); ok {
			return s.serialize(custom, seen, depth+1)
		}
		// A panicking CanonicalValue falls through to structural rules.
	}

	switch t := input.(type) {
	case *Value:
		if t == nil {
			return Null()
		}
		return t.Copy()
	case bool:
		return Bool(t)
	case string:
		return String(s.truncate(t))
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case uintptr:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case []byte:
		return Opaque(OpaqueBytes, fmt.Sprintf("<%d bytes>", len(t)))
	case time.Time:
		return String(t.Format(time.RFC3339Nano))
	case time.Duration:
		return String(t.String())
	case error:
		if msg, ok := callErrorString(t); ok {
			return String(s.truncate(msg))
		}
		return Opaque(OpaqueFallback, "<error value panicked>")
	}

	if tm, ok := input.(encoding.TextMarshaler); ok {
		if text, ok := callMarshalText(tm); ok {
			return String(s.truncate(text))
		}
	}

	return s.serializeReflect(reflect.ValueOf(input), seen, depth)
}

func (s *Serializer) serializeReflect(rv reflect.Value, seen map[uintptr]struct{}, depth int) *Value {
	switch rv.Kind() {
	case reflect.Invalid:
		return Null()
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float())
	case reflect.String:
		return String(s.truncate(rv.String()))
	case reflect.Pointer:
		if rv.IsNil() {
			return Null()
		}
		ptr := rv.Pointer()
		if _, onPath := seen[ptr]; onPath {
			return Opaque(OpaqueCycle, "<circular reference>")
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		return s.serialize(rv.Elem().Interface(), seen, depth)
	case reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return s.serialize(rv.Elem().Interface(), seen, depth)
	case reflect.Map:
		return s.serializeMap(rv, seen, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return Null()
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Opaque(OpaqueBytes, fmt.Sprintf("<%d bytes>", rv.Len()))
		}
		return s.serializeSequence(rv, seen, depth)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Opaque(OpaqueBytes, fmt.Sprintf("<%d bytes>", rv.Len()))
		}
		return s.serializeSequence(rv, seen, depth)
	case reflect.Struct:
		out := NewMap()
		s.serializeStructFields(out, rv, seen, depth)
		return out
	case reflect.Complex64, reflect.Complex128:
		return Opaque(OpaqueFallback, fmt.Sprintf("%v", rv.Complex()))
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return Opaque(OpaqueFallback, "<"+rv.Type().String()+">")
	default:
		return Opaque(OpaqueFallback, s.truncate(fmt.Sprintf("%v", rv)))
	}
}

// serializeMap emits map entries sorted by stringified key. Go map iteration
// order is randomized, so sorting is what makes repeated captures of the
// same state byte-identical.
func (s *Serializer) serializeMap(rv reflect.Value, seen map[uintptr]struct{}, depth int) *Value {
	if rv.IsNil() {
		return Null()
	}
	ptr := rv.Pointer()
	if ptr != 0 {
		if _, onPath := seen[ptr]; onPath {
			return Opaque(OpaqueCycle, "<circular reference>")
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
	}

	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, entry{key: mapKeyString(iter.Key()), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := NewMap()
	for _, e := range entries {
		out.Set(e.key, s.serializeChild(e.val, seen, depth+1))
	}
	return out
}

func (s *Serializer) serializeSequence(rv reflect.Value, seen map[uintptr]struct{}, depth int) *Value {
	if rv.Kind() == reflect.Slice && rv.Len() > 0 {
		ptr := rv.Pointer()
		if _, onPath := seen[ptr]; onPath {
			return Opaque(OpaqueCycle, "<circular reference>")
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
	}
	out := NewSequence()
	for i := 0; i < rv.Len(); i++ {
		out.Append(s.serializeChild(rv.Index(i), seen, depth+1))
	}
	return out
}

// serializeStructFields walks exported fields in declaration order, honoring
// json tag names and flattening anonymous embedded structs the way
// encoding/json does.
func (s *Serializer) serializeStructFields(out *Value, rv reflect.Value, seen map[uintptr]struct{}, depth int) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		tagged := false
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" && tag == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
				tagged = true
			}
		}
		if field.Anonymous && !tagged {
			fv := rv.Field(i)
			if field.Type.Kind() == reflect.Struct {
				s.serializeStructFields(out, fv, seen, depth)
				continue
			}
			if field.Type.Kind() == reflect.Pointer && field.Type.Elem().Kind() == reflect.Struct {
				if !fv.IsNil() {
					s.serializeStructFields(out, fv.Elem(), seen, depth)
				}
				continue
			}
		}
		out.Set(name, s.serializeChild(rv.Field(i), seen, depth+1))
	}
}

func (s *Serializer) serializeChild(rv reflect.Value, seen map[uintptr]struct{}, depth int) *Value {
	if !rv.IsValid() {
		return Null()
	}
	if !rv.CanInterface() {
		return Opaque(OpaqueFallback, s.truncate(fmt.Sprintf("%v", rv)))
	}
	return s.serialize(rv.Interface(), seen, depth)
}

func (s *Serializer) truncate(str string) string {
	runes := []rune(str)
	if len(runes) <= s.maxString {
		return str
	}
	return string(runes[:s.maxString]) + "... (truncated)"
}

func mapKeyString(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	return fmt.Sprintf("%v", key)
}

// User-supplied methods run behind recover so one hostile value cannot take
// down the surrounding capture.

func callCanonicalValue(c Canonicalizer) (result any, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.CanonicalValue(), true
}

func callErrorString(err error) (msg string, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return err.Error(), true
}

func callMarshalText(tm encoding.TextMarshaler) (text string, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	data, err := tm.MarshalText()
	if err != nil {
		return "", false
	}
	return string(data), true
}
