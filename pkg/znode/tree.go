package znode

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
)

// Tree is the source of truth for all the data stored by a DwarfKeeper member. It also controls the
// locking mechanism, so it can be abstracted away from the caller. Writes are serialized against each
// other and against readers; readers copy what they need out of a node before releasing the lock.
type Tree struct {
	root *ZNode
	mu   *sync.RWMutex
	// now is the clock used for creation and modification times.
	now func() time.Time
}

func NewTree() *Tree {
	return newTree(time.Now)
}

func newTree(now func() time.Time) *Tree {
	return &Tree{
		root: NewZNode("", "", now().UTC(), dxid.Zero),
		mu:   &sync.RWMutex{},
		now:  now,
	}
}

// splitPathIntoNodeNames splits a path into the names of the nodes along it. Leading, trailing and
// repeated slashes are ignored, so both "/" and "" name the root.
func splitPathIntoNodeNames(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '/'
	})
}

// findZNode will search down to the tree and return the node specified by the names.
// If the node could not be found, then ok is false.
func findZNode(start *ZNode, names []string) (node *ZNode, ok bool) {
	node = start
	for _, name := range names {
		z, ok := node.Children[name]
		if !ok {
			return nil, false
		}
		node = z
	}
	return node, true
}

// AddNode creates a node at path holding data. It fails if any ancestor of the node is missing or the
// node already exists.
func (t *Tree) AddNode(path, data string) bool {
	return t.AddNodeAt(path, data, dxid.Zero)
}

// AddNodeAt is AddNode for a write that was delivered at position id of the group order.
func (t *Tree) AddNodeAt(path, data string, id dxid.DXID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := splitPathIntoNodeNames(path)
	if len(names) == 0 {
		// The root always exists.
		return false
	}
	// Search down the tree until we hit the parent where we'll be creating this new node.
	parent, ok := findZNode(t.root, names[:len(names)-1])
	if !ok {
		return false
	}
	newName := names[len(names)-1]
	if _, ok := parent.Children[newName]; ok {
		return false
	}
	parent.Children[newName] = NewZNode(newName, data, t.now().UTC(), id)
	return true
}

// RemoveNode deletes the node at path together with its whole subtree. The root can't be removed.
func (t *Tree) RemoveNode(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := splitPathIntoNodeNames(path)
	if len(names) == 0 {
		return false
	}
	parent, ok := findZNode(t.root, names[:len(names)-1])
	if !ok {
		return false
	}
	nameToDelete := names[len(names)-1]
	if _, ok := parent.Children[nameToDelete]; !ok {
		return false
	}
	// Delete the actual node from the tree. This drops the whole subtree with it.
	delete(parent.Children, nameToDelete)
	return true
}

// SetData replaces the data of an existing node and bumps its modification time.
func (t *Tree) SetData(path, data string) bool {
	return t.SetDataAt(path, data, dxid.Zero)
}

// SetDataAt is SetData for a write that was delivered at position id of the group order.
func (t *Tree) SetDataAt(path, data string, id dxid.DXID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := findZNode(t.root, splitPathIntoNodeNames(path))
	if !ok {
		return false
	}
	node.Data = data
	node.MTime = t.tick(node.MTime)
	node.Dxid = id
	return true
}

// tick returns the current time, but never a time at or before prev. Two writes in the same clock
// tick still produce strictly increasing modification times.
func (t *Tree) tick(prev time.Time) time.Time {
	now := t.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// StatField selects the optional parts of a node that Stat fills in.
type StatField uint8

const (
	StatData StatField = 1 << iota
	StatChildren
)

// Stat returns a snapshot of the node at path. The name, times and number of children are always
// set; data and the child list are only filled in when requested.
func (t *Tree) Stat(path string, fields StatField) (*dwarf.Stat, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := findZNode(t.root, splitPathIntoNodeNames(path))
	if !ok {
		return nil, false
	}
	stat := dwarf.NewNodeStat(node.Name, node.CTime, node.MTime, len(node.Children))
	if fields&StatData != 0 {
		stat.Data = node.Data
	}
	if fields&StatChildren != 0 {
		stat.ChildList = strings.Join(sortedChildNames(node), ",")
	}
	return stat, true
}

// GetNodeInfo returns the name, times and number of children of the node at path. An empty path
// returns the root.
func (t *Tree) GetNodeInfo(path string) (*dwarf.Stat, bool) {
	return t.Stat(path, 0)
}

// GetChildList returns the names of the children of the node at path in lexicographic order.
func (t *Tree) GetChildList(path string) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := findZNode(t.root, splitPathIntoNodeNames(path))
	if !ok {
		return nil, false
	}
	return sortedChildNames(node), true
}

func (t *Tree) Exists(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := findZNode(t.root, splitPathIntoNodeNames(path))
	return ok
}

// DeepCopy returns a structurally independent copy of the tree. Snapshots are taken from a copy so
// slow writes to disk never hold the lock of the live tree.
func (t *Tree) DeepCopy() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return &Tree{
		root: t.root.deepCopy(),
		mu:   &sync.RWMutex{},
		now:  t.now,
	}
}

// Walk calls fn for every node except the root, parents before their children and siblings in
// lexicographic order. The tree is read locked for the duration of the walk, so fn must not modify it.
func (t *Tree) Walk(fn func(e Entry) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return walk(t.root, nil, fn)
}

func walk(node *ZNode, ancestors []string, fn func(e Entry) error) error {
	for _, name := range sortedChildNames(node) {
		child := node.Children[name]
		names := append(slices.Clone(ancestors), name)
		err := fn(Entry{
			Path:  "/" + strings.Join(names, "/"),
			Data:  child.Data,
			CTime: child.CTime,
			MTime: child.MTime,
			Dxid:  child.Dxid,
		})
		if err != nil {
			return err
		}
		if err := walk(child, names, fn); err != nil {
			return err
		}
	}
	return nil
}

// Entries returns every node of the tree in the order used by Walk.
func (t *Tree) Entries() []Entry {
	var entries []Entry
	_ = t.Walk(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries
}

// Len returns the number of nodes in the tree, not counting the root.
func (t *Tree) Len() int {
	n := 0
	_ = t.Walk(func(Entry) error {
		n++
		return nil
	})
	return n
}

// FromEntries rebuilds a tree from entries in the order produced by Walk. Times and delivery ids are
// restored exactly.
func FromEntries(entries []Entry) (*Tree, error) {
	t := NewTree()
	for _, e := range entries {
		names := splitPathIntoNodeNames(e.Path)
		if len(names) == 0 {
			return nil, fmt.Errorf("entry with an empty path")
		}
		parent, ok := findZNode(t.root, names[:len(names)-1])
		if !ok {
			return nil, fmt.Errorf("parent of [%s] missing", e.Path)
		}
		name := names[len(names)-1]
		if _, ok := parent.Children[name]; ok {
			return nil, fmt.Errorf("duplicate entry [%s]", e.Path)
		}
		node := NewZNode(name, e.Data, e.CTime, e.Dxid)
		node.MTime = e.MTime
		parent.Children[name] = node
	}
	return t, nil
}

// String renders the tree with one node per line, indented by depth.
func (t *Tree) String() string {
	var b strings.Builder
	b.WriteString("/\n")
	_ = t.Walk(func(e Entry) error {
		depth := len(splitPathIntoNodeNames(e.Path))
		name := e.Path[strings.LastIndex(e.Path, "/")+1:]
		fmt.Fprintf(&b, "%s/%s || %s || %s\n", strings.Repeat("\t", depth), name, e.Data, e.MTime.Format(time.RFC3339))
		return nil
	})
	return b.String()
}

func sortedChildNames(node *ZNode) []string {
	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
