package znode

import (
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
)

type ZNode struct {
	// ZNode metadata.
	Name  string
	CTime time.Time
	MTime time.Time
	// Dxid is the position in the group order of the last write to this node.
	Dxid     dxid.DXID
	Children map[string]*ZNode

	// Data is the data stored here by the client.
	Data string
}

func NewZNode(name string, data string, now time.Time, id dxid.DXID) *ZNode {
	return &ZNode{
		Name:  name,
		CTime: now,
		MTime: now,
		Dxid:  id,
		// Init the children to an empty map instead of nil to avoid panics when writing to
		// a nil map.
		Children: map[string]*ZNode{},
		Data:     data,
	}
}

// deepCopy copies the node and its whole subtree.
func (z *ZNode) deepCopy() *ZNode {
	c := &ZNode{
		Name:     z.Name,
		CTime:    z.CTime,
		MTime:    z.MTime,
		Dxid:     z.Dxid,
		Children: make(map[string]*ZNode, len(z.Children)),
		Data:     z.Data,
	}
	for name, child := range z.Children {
		c.Children[name] = child.deepCopy()
	}
	return c
}

// Entry is a flattened node, keyed by its full path. It is what callers outside of this package
// see of a node, since ZNodes themselves are only touched while holding the tree's lock.
type Entry struct {
	Path  string
	Data  string
	CTime time.Time
	MTime time.Time
	Dxid  dxid.DXID
}
