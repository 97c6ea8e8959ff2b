package server

import (
	"fmt"
	"testing"

	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMember returns a member that never joins a group, so its handlers can be called directly.
func newTestMember() *member {
	m := newMember(group.NewNetwork(1, nil).Member(group.RoleServer), group.RoleServer, Options{})
	m.applyLocal = m.applyWrite
	return m
}

func TestServer_Create(t *testing.T) {
	const existingNodeName = "existing"

	tests := []struct {
		name          string
		path          string
		errorExpected bool
	}{
		{
			name:          "root",
			path:          "/",
			errorExpected: true,
		},
		{
			name:          "parent node missing",
			path:          "/x/y/z",
			errorExpected: true,
		},
		{
			name:          "node already exists",
			path:          fmt.Sprintf("/%s", existingNodeName),
			errorExpected: true,
		},
		{
			name:          "valid create, root",
			path:          "/xyz",
			errorExpected: false,
		},
		{
			name:          "valid create, child of existing node",
			path:          fmt.Sprintf("/%s/new", existingNodeName),
			errorExpected: false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newTestMember()
			// Pre-init the tree with a node so we can also test cases with existing nodes.
			require.True(t, m.tree().AddNode("/"+existingNodeName, "old"))

			stat := m.create(dxid.NewDXID(1, 7), []string{test.path, "GROOMP"})
			if test.errorExpected {
				assert.Equal(t, fmt.Sprintf("Error: Failed to create node %s, with data GROOMP", test.path), stat.Err)
				return
			}
			require.False(t, stat.Failed())
			assert.Equal(t, test.path, stat.Info)

			got, ok := m.tree().Stat(test.path, znode.StatData)
			require.True(t, ok)
			assert.Equal(t, "GROOMP", got.Data)
		})
	}
}

func TestServer_Delete(t *testing.T) {
	m := newTestMember()
	require.True(t, m.tree().AddNode("/a", "1"))
	require.True(t, m.tree().AddNode("/a/b", "2"))

	stat := m.delete(dxid.Zero, []string{"/a"})
	assert.Equal(t, "/a", stat.Info)
	assert.False(t, m.tree().Exists("/a/b"))

	stat = m.delete(dxid.Zero, []string{"/a"})
	assert.Equal(t, "Error: Failed to delete node /a", stat.Err)

	stat = m.delete(dxid.Zero, []string{"/"})
	assert.True(t, stat.Failed())
}

func TestServer_SetNode(t *testing.T) {
	m := newTestMember()
	require.True(t, m.tree().AddNode("/a", "A"))
	before, _ := m.tree().GetNodeInfo("/a")

	stat := m.setNode(dxid.NewDXID(1, 9), []string{"/a", "B"})
	assert.Equal(t, "B", stat.Info)
	after, _ := m.tree().Stat("/a", znode.StatData)
	assert.Equal(t, "B", after.Data)
	assert.True(t, after.MTime.After(before.MTime))
	assert.Equal(t, before.CTime, after.CTime)

	stat = m.setNode(dxid.NewDXID(1, 10), []string{"/missing", "B"})
	assert.Equal(t, "Failed to set data to B at node /missing", stat.Err)
	assert.False(t, m.tree().Exists("/missing"))

	// Data is everything after the path.
	stat = m.setNode(dxid.NewDXID(1, 11), []string{"/a", "two", "words"})
	assert.Equal(t, "two words", stat.Info)
}

func TestServer_Reads(t *testing.T) {
	m := newTestMember()
	require.True(t, m.tree().AddNode("/a", "A"))
	require.True(t, m.tree().AddNode("/a/z", "Z"))
	require.True(t, m.tree().AddNode("/a/b", "B"))

	tests := []struct {
		name      string
		read      func(args []string) *dwarf.Stat
		path      string
		check     func(t *testing.T, stat *dwarf.Stat)
		missedErr string
	}{
		{
			name: "getNode",
			read: m.getNode,
			path: "/a",
			check: func(t *testing.T, stat *dwarf.Stat) {
				assert.Equal(t, "A", stat.Data)
				assert.Equal(t, 2, stat.NumChildren)
				assert.Empty(t, stat.ChildList)
			},
			missedErr: "Get Failed.",
		},
		{
			name: "getNodeAll",
			read: m.getNodeAll,
			path: "/a",
			check: func(t *testing.T, stat *dwarf.Stat) {
				assert.Equal(t, "A", stat.Data)
				assert.Equal(t, []string{"b", "z"}, stat.Children())
			},
			missedErr: "Error: getNodeAll Failed",
		},
		{
			name: "getChildren",
			read: m.getChildren,
			path: "/a",
			check: func(t *testing.T, stat *dwarf.Stat) {
				assert.Equal(t, "b,z", stat.Info)
			},
			missedErr: "Error: Get Children Failed",
		},
		{
			name: "getChildren2",
			read: m.getChildren2,
			path: "/a",
			check: func(t *testing.T, stat *dwarf.Stat) {
				assert.Empty(t, stat.Data)
				assert.Equal(t, []string{"b", "z"}, stat.Children())
			},
			missedErr: "getChildren2 Failed",
		},
		{
			name: "exists",
			read: m.exists,
			path: "/a/b",
			check: func(t *testing.T, stat *dwarf.Stat) {
				assert.Equal(t, "b", stat.Name)
				assert.Equal(t, 0, stat.NumChildren)
			},
			missedErr: "/nope does not exist",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			stat := test.read([]string{test.path})
			require.False(t, stat.Failed(), stat.Err)
			test.check(t, stat)

			stat = test.read([]string{"/nope"})
			assert.Equal(t, test.missedErr, stat.Err)
		})
	}
}

func TestServer_Test(t *testing.T) {
	m := newTestMember()
	stat := m.test([]string{"hello", "dwarves"})
	assert.Equal(t, "0xDEADWARF-TEST", stat.Info)
}

func TestServer_ApplyWrite(t *testing.T) {
	m := newTestMember()

	stat := m.applyWrite(dwarf.Command{Op: dwarf.CREATE, Args: "/a GROOMP", Dxid: dxid.NewDXID(1, 3)})
	assert.Equal(t, "/a", stat.Info)
	node, ok := m.tree().Stat("/a", znode.StatData)
	require.True(t, ok)
	assert.Equal(t, "GROOMP", node.Data)

	// Reads are never applied.
	stat = m.applyWrite(dwarf.NewCommand(dwarf.GET_NODE, "/a"))
	assert.True(t, stat.Failed())

	stat = m.applyWrite(dwarf.NewCommand(dwarf.CREATE, "/b"))
	assert.Equal(t, "Too few arguments provided to create.", stat.Err)
}
