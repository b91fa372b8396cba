package retrace

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializePrimitives(t *testing.T) {
	s := NewSerializer(SerializerOptions{})

	require.True(t, s.Serialize(nil).IsNull())
	require.True(t, s.Serialize(true).BoolValue())
	require.Equal(t, 42.0, s.Serialize(42).NumberValue())
	require.Equal(t, 42.0, s.Serialize(int8(42)).NumberValue())
	require.Equal(t, 42.0, s.Serialize(uint64(42)).NumberValue())
	require.Equal(t, 2.5, s.Serialize(float32(2.5)).NumberValue())
	require.Equal(t, "hello", s.Serialize("hello").StringValue())
}

func TestSerializeMapSortsKeys(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(map[string]any{"zebra": 1, "apple": 2, "mango": 3})
	require.Equal(t, KindMap, v.Kind())
	require.Equal(t, []string{"apple", "mango", "zebra"}, v.Keys())
}

func TestSerializeNonStringMapKeys(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(map[int]string{10: "ten", 2: "two"})
	require.Equal(t, []string{"10", "2"}, v.Keys())
}

func TestSerializeSlice(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	v := s.Serialize([]any{1, "two", true, nil})
	require.Equal(t, KindSequence, v.Kind())
	require.Equal(t, 4, v.Len())
	item, _ := v.Index(3)
	require.True(t, item.IsNull())
}

func TestSerializeStruct(t *testing.T) {
	type inner struct {
		Count int `json:"count"`
	}
	type record struct {
		Name    string `json:"name"`
		Skipped string `json:"-"`
		NoTag   bool
		Nested  inner `json:"nested"`
		hidden  int
	}

	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(record{Name: "planner", Skipped: "x", NoTag: true, Nested: inner{Count: 3}, hidden: 5})
	require.Equal(t, KindMap, v.Kind())
	// Declaration order, json names, unexported and "-" fields dropped.
	require.Equal(t, []string{"name", "NoTag", "nested"}, v.Keys())
	nested, ok := v.Get("nested")
	require.True(t, ok)
	count, ok := nested.Get("count")
	require.True(t, ok)
	require.Equal(t, 3.0, count.NumberValue())
}

func TestSerializeEmbeddedStruct(t *testing.T) {
	type Base struct {
		ID string `json:"id"`
	}
	type wrapper struct {
		Base
		Extra string `json:"extra"`
	}
	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(wrapper{Base: Base{ID: "run_1"}, Extra: "e"})
	require.Equal(t, []string{"id", "extra"}, v.Keys())
}

func TestSerializeBytesNeverInlined(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	v := s.Serialize([]byte("secret payload"))
	require.Equal(t, KindOpaque, v.Kind())
	kind, descriptor := v.OpaqueInfo()
	require.Equal(t, OpaqueBytes, kind)
	require.Equal(t, "<14 bytes>", descriptor)
	require.NotContains(t, v.String(), "secret")
}

func TestSerializeTimeAndDuration(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	require.Equal(t, "2025-03-14T09:26:53Z", s.Serialize(ts).StringValue())
	require.Equal(t, "1m30s", s.Serialize(90*time.Second).StringValue())
}

func TestSerializeError(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(errors.New("boom"))
	require.Equal(t, "boom", v.StringValue())
}

func TestSerializeCycleInMap(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	m := map[string]any{}
	m["self"] = m

	v := s.Serialize(m)
	require.Equal(t, KindMap, v.Kind())
	self, ok := v.Get("self")
	require.True(t, ok)
	require.Equal(t, KindOpaque, self.Kind())
	kind, descriptor := self.OpaqueInfo()
	require.Equal(t, OpaqueCycle, kind)
	require.Equal(t, "<circular reference>", descriptor)
}

func TestSerializeCycleThroughPointers(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next"`
	}
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(a)

	next, ok := v.Get("next")
	require.True(t, ok)
	nextNext, ok := next.Get("next")
	require.True(t, ok)
	require.Equal(t, KindOpaque, nextNext.Kind())
	kind, _ := nextNext.OpaqueInfo()
	require.Equal(t, OpaqueCycle, kind)
}

func TestSerializeCycleInSlice(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	items := make([]any, 1)
	items[0] = items

	v := s.Serialize(items)
	require.Equal(t, KindSequence, v.Kind())
	item, _ := v.Index(0)
	require.Equal(t, KindOpaque, item.Kind())
}

func TestSerializeSharedSiblingsAreNotCycles(t *testing.T) {
	type leaf struct {
		N int `json:"n"`
	}
	shared := &leaf{N: 7}
	input := map[string]any{"left": shared, "right": shared}

	s := NewSerializer(SerializerOptions{})
	v := s.Serialize(input)

	for _, key := range []string{"left", "right"} {
		side, ok := v.Get(key)
		require.True(t, ok, key)
		require.Equal(t, KindMap, side.Kind(), key)
		n, ok := side.Get("n")
		require.True(t, ok)
		require.Equal(t, 7.0, n.NumberValue())
	}
}

func TestSerializeDepthLimit(t *testing.T) {
	s := NewSerializer(SerializerOptions{MaxDepth: 3})
	deep := map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1}}}}

	v := s.Serialize(deep)
	a, _ := v.Get("a")
	b, _ := a.Get("b")
	c, _ := b.Get("c")
	require.Equal(t, KindOpaque, c.Kind())
	kind, _ := c.OpaqueInfo()
	require.Equal(t, OpaqueDepthLimit, kind)
}

func TestSerializeTruncatesLongStrings(t *testing.T) {
	s := NewSerializer(SerializerOptions{MaxStringLength: 10})
	v := s.Serialize(strings.Repeat("x", 50))
	require.Equal(t, "xxxxxxxxxx... (truncated)", v.StringValue())

	// Short strings pass through untouched.
	require.Equal(t, "short", s.Serialize("short").StringValue())
}

func TestSerializeNonFiniteNumbers(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	require.Equal(t, "NaN", s.Serialize(math.NaN()).StringValue())
	require.Equal(t, "+Inf", s.Serialize(math.Inf(1)).StringValue())
}

func TestSerializeFallback(t *testing.T) {
	s := NewSerializer(SerializerOptions{})

	v := s.Serialize(func() {})
	require.Equal(t, KindOpaque, v.Kind())
	kind, descriptor := v.OpaqueInfo()
	require.Equal(t, OpaqueFallback, kind)
	require.Equal(t, "<func()>", descriptor)

	ch := make(chan int)
	v = s.Serialize(ch)
	kind, _ = v.OpaqueInfo()
	require.Equal(t, OpaqueFallback, kind)
}

type customCanonical struct {
	payload string
}

func (c customCanonical) CanonicalValue() any {
	return map[string]any{"payload": c.payload}
}

type panickyCanonical struct {
	Name string `json:"name"`
}

func (p panickyCanonical) CanonicalValue() any {
	panic("nope")
}

func TestSerializeCanonicalizer(t *testing.T) {
	s := NewSerializer(SerializerOptions{})

	v := s.Serialize(customCanonical{payload: "custom"})
	require.Equal(t, KindMap, v.Kind())
	payload, ok := v.Get("payload")
	require.True(t, ok)
	require.Equal(t, "custom", payload.StringValue())

	// A panicking hook degrades to the structural rules.
	v = s.Serialize(panickyCanonical{Name: "still here"})
	require.Equal(t, KindMap, v.Kind())
	name, ok := v.Get("name")
	require.True(t, ok)
	require.Equal(t, "still here", name.StringValue())
}

func TestSerializeValuePassthrough(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	original := NewSequence(Number(1), Number(2))
	v := s.Serialize(original)
	require.True(t, Equal(original, v))

	// The result is an independent copy.
	original.Append(Number(3))
	require.Equal(t, 2, v.Len())
}

func TestSerializeDeterministic(t *testing.T) {
	s := NewSerializer(SerializerOptions{})
	input := map[string]any{
		"msgs":  []any{"a", "b", "c"},
		"count": 3,
		"meta":  map[string]any{"z": 1, "a": 2},
	}
	first := s.Serialize(input)
	second := s.Serialize(input)
	require.True(t, Equal(first, second))
	require.Equal(t, first.String(), second.String())
}

func TestSerializeAlwaysProducesAcyclicTree(t *testing.T) {
	// Serialized output must itself re-serialize and encode without issue.
	s := NewSerializer(SerializerOptions{})
	m := map[string]any{}
	m["self"] = m
	m["list"] = []any{m}

	v := s.Serialize(m)
	data, err := v.MarshalJSON()
	require.NoError(t, err)
	decoded, err := ParseValue(data)
	require.NoError(t, err)
	require.True(t, Equal(v, decoded))
}
