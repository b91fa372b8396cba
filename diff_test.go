package retrace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeDiffMapChanges(t *testing.T) {
	old := NewMap()
	old.Set("intent", String("research"))
	old.Set("temp", String("x"))

	new := NewMap()
	new.Set("intent", String("summarize"))
	new.Set("summary", String("done"))

	d := ComputeDiff(old, new)
	require.Len(t, d.Changed, 1)
	require.Equal(t, "intent", d.Changed[0].Path)
	require.True(t, Equal(String("research"), d.Changed[0].Old))
	require.True(t, Equal(String("summarize"), d.Changed[0].New))

	require.Len(t, d.Added, 1)
	require.Equal(t, "summary", d.Added[0].Path)
	require.True(t, Equal(String("done"), d.Added[0].Value))

	require.Len(t, d.Removed, 1)
	require.Equal(t, "temp", d.Removed[0].Path)
	require.True(t, Equal(String("x"), d.Removed[0].Value))
}

func TestComputeDiffSequenceAppend(t *testing.T) {
	old := NewMap()
	old.Set("msgs", NewSequence(String("a"), String("b")))
	new := NewMap()
	new.Set("msgs", NewSequence(String("a"), String("b"), String("c")))

	d := ComputeDiff(old, new)
	require.Empty(t, d.Changed)
	require.Empty(t, d.Removed)
	require.Len(t, d.Added, 1)
	require.Equal(t, "msgs[2]", d.Added[0].Path)
	require.True(t, Equal(String("c"), d.Added[0].Value))
}

func TestComputeDiffEqualTrees(t *testing.T) {
	a := NewMap()
	a.Set("n", Number(1))
	a.Set("items", NewSequence(Bool(true), Null()))

	d := ComputeDiff(a, a.Copy())
	require.True(t, d.Empty())
	require.Equal(t, 0, d.Size())

	// Map key order is not semantic.
	b := NewMap()
	b.Set("items", NewSequence(Bool(true), Null()))
	b.Set("n", Number(1))
	require.True(t, ComputeDiff(a, b).Empty())
}

func TestComputeDiffNestedPaths(t *testing.T) {
	oldCfg := NewMap()
	oldCfg.Set("retries", Number(1))
	oldStep := NewMap()
	oldStep.Set("name", String("fetch"))
	old := NewMap()
	old.Set("cfg", oldCfg)
	old.Set("steps", NewSequence(oldStep))

	newCfg := NewMap()
	newCfg.Set("retries", Number(2))
	newStep := NewMap()
	newStep.Set("name", String("fetch"))
	addedStep := NewMap()
	addedStep.Set("name", String("summarize"))
	new := NewMap()
	new.Set("cfg", newCfg)
	new.Set("steps", NewSequence(newStep, addedStep))

	d := ComputeDiff(old, new)
	require.Len(t, d.Changed, 1)
	require.Equal(t, "cfg.retries", d.Changed[0].Path)
	require.Len(t, d.Added, 1)
	require.Equal(t, "steps[1]", d.Added[0].Path)
	require.Empty(t, d.Removed)
}

func TestComputeDiffKindChange(t *testing.T) {
	oldInner := NewMap()
	oldInner.Set("a", Number(1))
	old := NewMap()
	old.Set("x", oldInner)
	new := NewMap()
	new.Set("x", String("gone"))

	// A kind change is a single changed entry, not a recursive teardown.
	d := ComputeDiff(old, new)
	require.Len(t, d.Changed, 1)
	require.Equal(t, "x", d.Changed[0].Path)
	require.Equal(t, KindMap, d.Changed[0].Old.Kind())
	require.Equal(t, KindString, d.Changed[0].New.Kind())
	require.Empty(t, d.Added)
	require.Empty(t, d.Removed)
}

func TestComputeDiffSequenceShrink(t *testing.T) {
	old := NewMap()
	old.Set("msgs", NewSequence(String("a"), String("b"), String("c")))
	new := NewMap()
	new.Set("msgs", NewSequence(String("a")))

	d := ComputeDiff(old, new)
	require.Empty(t, d.Changed)
	require.Empty(t, d.Added)
	require.Len(t, d.Removed, 2)
	require.Equal(t, "msgs[1]", d.Removed[0].Path)
	require.Equal(t, "msgs[2]", d.Removed[1].Path)
}

func TestComputeDiffIgnoring(t *testing.T) {
	t.Run("top level keys are skipped", func(t *testing.T) {
		old := NewMap()
		old.Set("timestamp", Number(100))
		old.Set("answer", String("a"))
		new := NewMap()
		new.Set("timestamp", Number(200))
		new.Set("answer", String("a"))

		d := ComputeDiffIgnoring(old, new, []string{"timestamp"})
		require.True(t, d.Empty())
	})

	t.Run("nested occurrences still compared", func(t *testing.T) {
		oldInner := NewMap()
		oldInner.Set("timestamp", Number(100))
		old := NewMap()
		old.Set("outer", oldInner)
		newInner := NewMap()
		newInner.Set("timestamp", Number(200))
		new := NewMap()
		new.Set("outer", newInner)

		d := ComputeDiffIgnoring(old, new, []string{"timestamp"})
		require.Len(t, d.Changed, 1)
		require.Equal(t, "outer.timestamp", d.Changed[0].Path)
	})

	t.Run("ignored key appearing is not an addition", func(t *testing.T) {
		old := NewMap()
		old.Set("answer", String("a"))
		new := NewMap()
		new.Set("answer", String("a"))
		new.Set("run_id", String("run_123"))

		d := ComputeDiffIgnoring(old, new, []string{"run_id"})
		require.True(t, d.Empty())
	})
}

func TestApplyDiffRoundTrip(t *testing.T) {
	mapOf := func(set func(m *Value)) *Value {
		m := NewMap()
		set(m)
		return m
	}

	cases := []struct {
		name string
		a    *Value
		b    *Value
	}{
		{
			name: "map changes",
			a: mapOf(func(m *Value) {
				m.Set("intent", String("research"))
				m.Set("temp", String("x"))
			}),
			b: mapOf(func(m *Value) {
				m.Set("intent", String("summarize"))
				m.Set("summary", String("done"))
			}),
		},
		{
			name: "sequence append",
			a: mapOf(func(m *Value) {
				m.Set("msgs", NewSequence(String("a"), String("b")))
			}),
			b: mapOf(func(m *Value) {
				m.Set("msgs", NewSequence(String("a"), String("b"), String("c")))
			}),
		},
		{
			name: "sequence shrink and edit",
			a: mapOf(func(m *Value) {
				m.Set("msgs", NewSequence(String("a"), String("b"), String("c")))
			}),
			b: mapOf(func(m *Value) {
				m.Set("msgs", NewSequence(String("x")))
			}),
		},
		{
			name: "nested kind changes",
			a: mapOf(func(m *Value) {
				inner := NewMap()
				inner.Set("a", Number(1))
				m.Set("x", inner)
				m.Set("y", NewSequence(Number(1), Number(2)))
			}),
			b: mapOf(func(m *Value) {
				m.Set("x", String("gone"))
				m.Set("y", Null())
			}),
		},
		{
			name: "keys needing escapes",
			a: mapOf(func(m *Value) {
				m.Set("user.name", String("alice"))
				m.Set("items[0]", Number(1))
				m.Set(`back\slash`, Bool(true))
				m.Set("", String("empty key"))
			}),
			b: mapOf(func(m *Value) {
				m.Set("user.name", String("bob"))
				m.Set(`back\slash`, Bool(false))
				m.Set("", String("still empty"))
				m.Set("plain", Null())
			}),
		},
		{
			name: "root replaced",
			a:    Number(1),
			b: mapOf(func(m *Value) {
				m.Set("k", String("v"))
			}),
		},
		{
			name: "opaque values",
			a: mapOf(func(m *Value) {
				m.Set("blob", Opaque(OpaqueBytes, "<4 bytes>"))
			}),
			b: mapOf(func(m *Value) {
				m.Set("blob", Opaque(OpaqueBytes, "<9 bytes>"))
			}),
		},
		{
			name: "deep additions",
			a:    NewMap(),
			b: mapOf(func(m *Value) {
				inner := NewMap()
				inner.Set("leaf", Number(42))
				m.Set("outer", inner)
			}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forward, err := ApplyDiff(tc.a, ComputeDiff(tc.a, tc.b))
			require.NoError(t, err)
			require.True(t, Equal(forward, tc.b), "forward: expected %s, got %s", tc.b, forward)

			backward, err := ApplyDiff(tc.b, ComputeDiff(tc.b, tc.a))
			require.NoError(t, err)
			require.True(t, Equal(backward, tc.a), "backward: expected %s, got %s", tc.a, backward)
		})
	}
}

func TestApplyDiffNoOp(t *testing.T) {
	a := NewMap()
	a.Set("k", Number(1))

	got, err := ApplyDiff(a, &Delta{})
	require.NoError(t, err)
	require.True(t, Equal(a, got))

	got, err = ApplyDiff(a, nil)
	require.NoError(t, err)
	require.True(t, Equal(a, got))
}

func TestApplyDiffResultIsIndependent(t *testing.T) {
	base := NewMap()
	inner := NewMap()
	inner.Set("count", Number(1))
	base.Set("stats", inner)

	target := NewMap()
	targetInner := NewMap()
	targetInner.Set("count", Number(2))
	target.Set("stats", targetInner)

	d := ComputeDiff(base, target)
	got, err := ApplyDiff(base, d)
	require.NoError(t, err)

	// Mutating the result must not touch the base or the delta.
	stats, _ := got.Get("stats")
	stats.Set("count", Number(99))
	baseStats, _ := base.Get("stats")
	baseCount, _ := baseStats.Get("count")
	require.True(t, Equal(Number(1), baseCount))
	require.True(t, Equal(Number(2), d.Changed[0].New))
}

func TestApplyDiffStrict(t *testing.T) {
	base := NewMap()
	base.Set("present", Number(1))
	base.Set("msgs", NewSequence(String("a")))

	cases := []struct {
		name  string
		delta *Delta
	}{
		{
			name:  "changed path missing",
			delta: &Delta{Changed: []ChangedEntry{{Path: "absent", Old: Number(1), New: Number(2)}}},
		},
		{
			name:  "changed index out of range",
			delta: &Delta{Changed: []ChangedEntry{{Path: "msgs[4]", Old: String("a"), New: String("b")}}},
		},
		{
			name:  "removed path missing",
			delta: &Delta{Removed: []RemovedEntry{{Path: "absent", Value: Number(1)}}},
		},
		{
			name:  "added path already exists",
			delta: &Delta{Added: []AddedEntry{{Path: "present", Value: Number(2)}}},
		},
		{
			name:  "sequence add is not an append",
			delta: &Delta{Added: []AddedEntry{{Path: "msgs[5]", Value: String("z")}}},
		},
		{
			name:  "index into a map",
			delta: &Delta{Changed: []ChangedEntry{{Path: "present[0]", Old: Number(1), New: Number(2)}}},
		},
		{
			name:  "added at root",
			delta: &Delta{Added: []AddedEntry{{Path: "", Value: Number(2)}}},
		},
		{
			name:  "removed at root",
			delta: &Delta{Removed: []RemovedEntry{{Path: "", Value: Number(1)}}},
		},
		{
			name:  "malformed path",
			delta: &Delta{Changed: []ChangedEntry{{Path: "msgs[x]", Old: Number(1), New: Number(2)}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ApplyDiff(base, tc.delta)
			require.Error(t, err)
			require.True(t, MatchesErrorType(err, ErrorTypeReconstruction))
		})
	}
}

func TestPathEscaping(t *testing.T) {
	old := NewMap()
	new := NewMap()
	new.Set("user.name", String("alice"))
	new.Set("items[0]", Number(1))
	new.Set("", Bool(true))

	d := ComputeDiff(old, new)
	require.Len(t, d.Added, 3)
	require.Equal(t, `user\.name`, d.Added[0].Path)
	require.Equal(t, `items\[0\]`, d.Added[1].Path)
	require.Equal(t, `\0`, d.Added[2].Path)

	got, err := ApplyDiff(old, d)
	require.NoError(t, err)
	require.True(t, Equal(new, got))
}

func TestDeltaJSONRoundTrip(t *testing.T) {
	old := NewMap()
	old.Set("status", String("running"))
	old.Set("result", Null())

	new := NewMap()
	new.Set("status", Null())
	new.Set("count", Number(3))

	d := ComputeDiff(old, new)
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded Delta
	require.NoError(t, json.Unmarshal(data, &decoded))

	// Applying the decoded delta must behave exactly like the original,
	// including entries whose values are null.
	got, err := ApplyDiff(old, &decoded)
	require.NoError(t, err)
	require.True(t, Equal(new, got), "expected %s, got %s", new, got)
}
