package server

import (
	"fmt"
	"strings"

	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
)

const testReply = "0xDEADWARF-TEST"

// opHandler is one entry of the dispatch table of a member. Reads are answered from the local tree by
// read. Writes are applied to the local tree by apply once they have been delivered through the group.
type opHandler struct {
	minArgs int
	read    func(args []string) *dwarf.Stat
	apply   func(id dxid.DXID, args []string) *dwarf.Stat
	// verb names the write in the error returned when members disagree.
	verb string
	// echo is the Info every member replies with when the write succeeds.
	echo func(args []string) string
}

// newOps builds the dispatch table of a member. Every handler works on the member's current tree.
func (m *member) newOps() map[dwarf.OpCode]opHandler {
	return map[dwarf.OpCode]opHandler{
		dwarf.TEST:          {read: m.test},
		dwarf.CREATE:        {minArgs: 2, apply: m.create, verb: "create", echo: echoPath},
		dwarf.DELETE:        {minArgs: 1, apply: m.delete, verb: "delete", echo: echoPath},
		dwarf.SET_NODE:      {minArgs: 2, apply: m.setNode, verb: "set", echo: echoData},
		dwarf.GET_NODE:      {minArgs: 1, read: m.getNode},
		dwarf.GET_ALL:       {minArgs: 1, read: m.getNodeAll},
		dwarf.GET_CHILDREN:  {minArgs: 1, read: m.getChildren},
		dwarf.GET_CHILDREN2: {minArgs: 1, read: m.getChildren2},
		dwarf.EXISTS:        {minArgs: 1, read: m.exists},
	}
}

func echoPath(args []string) string {
	return args[0]
}

func echoData(args []string) string {
	_, data := pathAndData(args)
	return data
}

// create creates a node with path name path and stores data in it. Every ancestor of the node must
// already exist.
func (m *member) create(id dxid.DXID, args []string) *dwarf.Stat {
	path, data := pathAndData(args)
	if !m.tree().AddNodeAt(path, data, id) {
		return dwarf.ErrorStat(fmt.Sprintf("Error: Failed to create node %s, with data %s", path, data))
	}
	return dwarf.InfoStat(path)
}

// delete removes the node at path together with its whole subtree.
func (m *member) delete(_ dxid.DXID, args []string) *dwarf.Stat {
	path := args[0]
	if !m.tree().RemoveNode(path) {
		return dwarf.ErrorStat(fmt.Sprintf("Error: Failed to delete node %s", path))
	}
	return dwarf.InfoStat(path)
}

// setNode writes data to the node at path. It never creates the node.
func (m *member) setNode(id dxid.DXID, args []string) *dwarf.Stat {
	path, data := pathAndData(args)
	if !m.tree().SetDataAt(path, data, id) {
		return dwarf.ErrorStat(fmt.Sprintf("Failed to set data to %s at node %s", data, path))
	}
	return dwarf.InfoStat(data)
}

// getNode returns the data and metadata of the node at path.
func (m *member) getNode(args []string) *dwarf.Stat {
	stat, ok := m.tree().Stat(args[0], znode.StatData)
	if !ok {
		return dwarf.ErrorStat("Get Failed.")
	}
	return stat
}

// getNodeAll returns the data, metadata and children of the node at path.
func (m *member) getNodeAll(args []string) *dwarf.Stat {
	stat, ok := m.tree().Stat(args[0], znode.StatData|znode.StatChildren)
	if !ok {
		return dwarf.ErrorStat("Error: getNodeAll Failed")
	}
	return stat
}

// getChildren returns the sorted names of the children of the node at path, comma joined.
func (m *member) getChildren(args []string) *dwarf.Stat {
	children, ok := m.tree().GetChildList(args[0])
	if !ok {
		return dwarf.ErrorStat("Error: Get Children Failed")
	}
	return dwarf.InfoStat(strings.Join(children, ","))
}

// getChildren2 returns the metadata and children of the node at path, without its data.
func (m *member) getChildren2(args []string) *dwarf.Stat {
	stat, ok := m.tree().Stat(args[0], znode.StatChildren)
	if !ok {
		return dwarf.ErrorStat("getChildren2 Failed")
	}
	return stat
}

// exists returns the stat of the node at path if there is one.
func (m *member) exists(args []string) *dwarf.Stat {
	path := args[0]
	stat, ok := m.tree().Stat(path, znode.StatData)
	if !ok {
		return dwarf.ErrorStat(path + " does not exist")
	}
	return stat
}

func (m *member) test(args []string) *dwarf.Stat {
	m.log.WithField("args", strings.Join(args, " ")).Info("TEST")
	return dwarf.InfoStat(testReply)
}
