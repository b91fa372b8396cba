package retrace

import (
	"fmt"
	"strconv"
	"strings"
)

// ChangedEntry records a position holding different values in the old and
// new trees.
type ChangedEntry struct {
	Path string `json:"path"`
	Old  *Value `json:"old_value"`
	New  *Value `json:"new_value"`
}

// AddedEntry records a position present only in the new tree.
type AddedEntry struct {
	Path  string `json:"path"`
	Value *Value `json:"value"`
}

// RemovedEntry records a position present only in the old tree.
type RemovedEntry struct {
	Path  string `json:"path"`
	Value *Value `json:"value"`
}

// Delta is the structural difference between two canonical Values. Paths are
// dotted map keys with bracketed sequence indices ("steps[2].output"); keys
// containing '.', '[', ']' or '\' are backslash-escaped when rendered.
type Delta struct {
	Changed []ChangedEntry `json:"changed"`
	Added   []AddedEntry   `json:"added"`
	Removed []RemovedEntry `json:"removed"`
}

// Empty reports whether the delta contains no entries.
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0)
}

// Size returns the total number of entries.
func (d *Delta) Size() int {
	if d == nil {
		return 0
	}
	return len(d.Changed) + len(d.Added) + len(d.Removed)
}

// Copy returns a deep copy of the delta.
func (d *Delta) Copy() *Delta {
	if d == nil {
		return nil
	}
	out := &Delta{}
	if d.Changed != nil {
		out.Changed = make([]ChangedEntry, len(d.Changed))
		for i, e := range d.Changed {
			out.Changed[i] = ChangedEntry{Path: e.Path, Old: e.Old.Copy(), New: e.New.Copy()}
		}
	}
	if d.Added != nil {
		out.Added = make([]AddedEntry, len(d.Added))
		for i, e := range d.Added {
			out.Added[i] = AddedEntry{Path: e.Path, Value: e.Value.Copy()}
		}
	}
	if d.Removed != nil {
		out.Removed = make([]RemovedEntry, len(d.Removed))
		for i, e := range d.Removed {
			out.Removed[i] = RemovedEntry{Path: e.Path, Value: e.Value.Copy()}
		}
	}
	return out
}

// ComputeDiff computes the delta that transforms old into new. Applying the
// result to old with ApplyDiff reproduces new exactly.
func ComputeDiff(old, new *Value) *Delta {
	return ComputeDiffIgnoring(old, new, nil)
}

// ComputeDiffIgnoring is ComputeDiff with a set of top-level map keys
// excluded from comparison. Ignored keys produce no entries even when their
// values differ; nested occurrences of the same names are still compared.
func ComputeDiffIgnoring(old, new *Value, ignoreKeys []string) *Delta {
	if old == nil {
		old = Null()
	}
	if new == nil {
		new = Null()
	}
	if len(ignoreKeys) > 0 && old.Kind() == KindMap && new.Kind() == KindMap {
		old = stripTopLevelKeys(old, ignoreKeys)
		new = stripTopLevelKeys(new, ignoreKeys)
	}
	d := &Delta{}
	diffValues(d, "", old, new)
	return d
}

func stripTopLevelKeys(m *Value, ignoreKeys []string) *Value {
	ignored := make(map[string]struct{}, len(ignoreKeys))
	for _, key := range ignoreKeys {
		ignored[key] = struct{}{}
	}
	out := NewMap()
	for _, key := range m.Keys() {
		if _, skip := ignored[key]; skip {
			continue
		}
		value, _ := m.Get(key)
		out.Set(key, value)
	}
	return out
}

func diffValues(d *Delta, path string, old, new *Value) {
	if old.Kind() == KindMap && new.Kind() == KindMap {
		diffMaps(d, path, old, new)
		return
	}
	if old.Kind() == KindSequence && new.Kind() == KindSequence {
		diffSequences(d, path, old, new)
		return
	}
	if Equal(old, new) {
		return
	}
	d.Changed = append(d.Changed, ChangedEntry{Path: path, Old: old, New: new})
}

func diffMaps(d *Delta, path string, old, new *Value) {
	for _, key := range old.Keys() {
		oldVal, _ := old.Get(key)
		if newVal, ok := new.Get(key); ok {
			diffValues(d, joinPath(path, key), oldVal, newVal)
		} else {
			d.Removed = append(d.Removed, RemovedEntry{Path: joinPath(path, key), Value: oldVal})
		}
	}
	for _, key := range new.Keys() {
		if _, ok := old.Get(key); !ok {
			newVal, _ := new.Get(key)
			d.Added = append(d.Added, AddedEntry{Path: joinPath(path, key), Value: newVal})
		}
	}
}

// diffSequences compares positionally: a changed element at index i becomes
// entries under path[i], tails become added or removed runs. This is O(n)
// and exact for append-dominated sequences; a mid-sequence insert shows up
// as a run of changed entries plus a tail.
func diffSequences(d *Delta, path string, old, new *Value) {
	oldLen, newLen := old.Len(), new.Len()
	shared := oldLen
	if newLen < shared {
		shared = newLen
	}
	for i := 0; i < shared; i++ {
		oldItem, _ := old.Index(i)
		newItem, _ := new.Index(i)
		diffValues(d, indexPath(path, i), oldItem, newItem)
	}
	for i := shared; i < newLen; i++ {
		item, _ := new.Index(i)
		d.Added = append(d.Added, AddedEntry{Path: indexPath(path, i), Value: item})
	}
	for i := shared; i < oldLen; i++ {
		item, _ := old.Index(i)
		d.Removed = append(d.Removed, RemovedEntry{Path: indexPath(path, i), Value: item})
	}
}

// ApplyDiff applies a delta to base and returns the resulting tree. The
// result shares no structure with base or the delta. Application is strict:
// a changed or removed path that does not exist in base, or an added path
// that cannot be placed, means the delta does not belong to this base and
// yields a reconstruction error.
//
// Removed entries apply in reverse emission order so trailing sequence
// indices disappear highest-first, then added entries in emission order,
// then changed entries.
func ApplyDiff(base *Value, delta *Delta) (*Value, error) {
	result := base.Copy()
	if result == nil {
		result = Null()
	}
	if delta == nil {
		return result, nil
	}
	var err error
	for i := len(delta.Removed) - 1; i >= 0; i-- {
		entry := delta.Removed[i]
		if result, err = removeAtPath(result, entry.Path); err != nil {
			return nil, err
		}
	}
	for _, entry := range delta.Added {
		if result, err = insertAtPath(result, entry.Path, entry.Value.Copy()); err != nil {
			return nil, err
		}
	}
	for _, entry := range delta.Changed {
		if result, err = replaceAtPath(result, entry.Path, entry.New.Copy()); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func removeAtPath(root *Value, path string) (*Value, error) {
	tokens, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, NewReconstructionError(fmt.Sprintf("cannot remove the root value (path %q)", path))
	}
	parent, err := walkPath(root, tokens[:len(tokens)-1], path)
	if err != nil {
		return nil, err
	}
	last := tokens[len(tokens)-1]
	if last.isIndex {
		if !parent.RemoveIndex(last.index) {
			return nil, NewReconstructionError(fmt.Sprintf("no sequence item to remove at %q", path))
		}
	} else {
		if !parent.Delete(last.key) {
			return nil, NewReconstructionError(fmt.Sprintf("no map entry to remove at %q", path))
		}
	}
	return root, nil
}

func insertAtPath(root *Value, path string, value *Value) (*Value, error) {
	tokens, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, NewReconstructionError(fmt.Sprintf("cannot add at the root (path %q)", path))
	}
	parent, err := walkPathCreating(root, tokens[:len(tokens)-1], path)
	if err != nil {
		return nil, err
	}
	last := tokens[len(tokens)-1]
	if last.isIndex {
		if parent.Kind() != KindSequence {
			return nil, NewReconstructionError(fmt.Sprintf("cannot index into %s at %q", parent.Kind(), path))
		}
		if last.index != parent.Len() {
			return nil, NewReconstructionError(fmt.Sprintf("sequence add at %q is not an append (len %d)", path, parent.Len()))
		}
		parent.Append(value)
		return root, nil
	}
	if parent.Kind() != KindMap {
		return nil, NewReconstructionError(fmt.Sprintf("cannot set key in %s at %q", parent.Kind(), path))
	}
	if _, exists := parent.Get(last.key); exists {
		return nil, NewReconstructionError(fmt.Sprintf("added path %q already exists", path))
	}
	parent.Set(last.key, value)
	return root, nil
}

func replaceAtPath(root *Value, path string, value *Value) (*Value, error) {
	tokens, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		// A root-level change replaces the whole tree.
		return value, nil
	}
	parent, err := walkPath(root, tokens[:len(tokens)-1], path)
	if err != nil {
		return nil, err
	}
	last := tokens[len(tokens)-1]
	if last.isIndex {
		if !parent.SetIndex(last.index, value) {
			return nil, NewReconstructionError(fmt.Sprintf("no sequence item to change at %q", path))
		}
		return root, nil
	}
	if _, exists := parent.Get(last.key); !exists {
		return nil, NewReconstructionError(fmt.Sprintf("no map entry to change at %q", path))
	}
	parent.Set(last.key, value)
	return root, nil
}

func walkPath(root *Value, tokens []pathToken, fullPath string) (*Value, error) {
	current := root
	for _, tok := range tokens {
		if tok.isIndex {
			next, ok := current.Index(tok.index)
			if !ok {
				return nil, NewReconstructionError(fmt.Sprintf("path %q does not exist in base state", fullPath))
			}
			current = next
		} else {
			next, ok := current.Get(tok.key)
			if !ok {
				return nil, NewReconstructionError(fmt.Sprintf("path %q does not exist in base state", fullPath))
			}
			current = next
		}
	}
	return current, nil
}

// walkPathCreating resolves a parent for insertion, creating missing
// intermediate maps. Missing sequence levels cannot be conjured (an index
// into nothing has no defined shape) and fail instead.
func walkPathCreating(root *Value, tokens []pathToken, fullPath string) (*Value, error) {
	current := root
	for _, tok := range tokens {
		if tok.isIndex {
			next, ok := current.Index(tok.index)
			if !ok {
				return nil, NewReconstructionError(fmt.Sprintf("path %q does not exist in base state", fullPath))
			}
			current = next
			continue
		}
		if current.Kind() != KindMap {
			return nil, NewReconstructionError(fmt.Sprintf("cannot descend into %s at %q", current.Kind(), fullPath))
		}
		next, ok := current.Get(tok.key)
		if !ok {
			next = NewMap()
			current.Set(tok.key, next)
		}
		current = next
	}
	return current, nil
}

// pathToken is one step in a parsed path: a map key or a sequence index.
type pathToken struct {
	key     string
	index   int
	isIndex bool
}

// joinPath appends a map key segment to a parent path.
func joinPath(parent, key string) string {
	escaped := escapePathKey(key)
	if parent == "" {
		return escaped
	}
	return parent + "." + escaped
}

// indexPath appends a sequence index segment to a parent path.
func indexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}

// escapePathKey makes a map key safe to embed in a path. The empty key
// renders as `\0` so it cannot collide with the root path "".
func escapePathKey(key string) string {
	if key == "" {
		return `\0`
	}
	if !strings.ContainsAny(key, `.[]\`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parsePath splits a rendered path back into tokens, honoring escapes.
func parsePath(path string) ([]pathToken, error) {
	if path == "" {
		return nil, nil
	}
	var tokens []pathToken
	runes := []rune(path)
	i := 0
	expectKey := true
	for i < len(runes) {
		switch runes[i] {
		case '[':
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				return nil, NewReconstructionError(fmt.Sprintf("unterminated index in path %q", path))
			}
			index, err := strconv.Atoi(string(runes[i+1 : j]))
			if err != nil || index < 0 {
				return nil, NewReconstructionError(fmt.Sprintf("invalid index in path %q", path))
			}
			tokens = append(tokens, pathToken{index: index, isIndex: true})
			i = j + 1
			expectKey = false
		case '.':
			i++
			expectKey = true
		default:
			if !expectKey {
				return nil, NewReconstructionError(fmt.Sprintf("malformed path %q", path))
			}
			var b strings.Builder
			for i < len(runes) && runes[i] != '.' && runes[i] != '[' {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
					// `\0` marks the empty key and decodes to nothing.
					if runes[i] != '0' {
						b.WriteRune(runes[i])
					}
					i++
					continue
				}
				b.WriteRune(runes[i])
				i++
			}
			tokens = append(tokens, pathToken{key: b.String()})
			expectKey = false
		}
	}
	if expectKey {
		return nil, NewReconstructionError(fmt.Sprintf("trailing separator in path %q", path))
	}
	return tokens, nil
}
