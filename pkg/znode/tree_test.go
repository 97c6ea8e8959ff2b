package znode

import (
	"fmt"
	"testing"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTree_AddThenGet verifies that we can fetch newly created nodes.
func TestTree_AddThenGet(t *testing.T) {
	const rootChildName = "rootChild"
	const childChildName = "childChild"
	tests := []struct {
		name         string
		path         string
		data         string
		addSucceeds  bool
		expectedName string
	}{
		{
			name:        "parent node missing",
			path:        "/x/y/z",
			data:        "z",
			addSucceeds: false,
		},
		{
			name:        "node already exists",
			path:        "/" + rootChildName,
			data:        "again",
			addSucceeds: false,
		},
		{
			name:        "root",
			path:        "/",
			data:        "root",
			addSucceeds: false,
		},
		{
			name:         "child of the root",
			path:         "/new",
			data:         "new",
			addSucceeds:  true,
			expectedName: "new",
		},
		{
			name:         "child of another node",
			path:         fmt.Sprintf("/%s/%s", rootChildName, childChildName),
			data:         childChildName,
			addSucceeds:  true,
			expectedName: childChildName,
		},
		{
			name:         "extra slashes collapse",
			path:         fmt.Sprintf("//%s///%s/", rootChildName, childChildName),
			data:         childChildName,
			addSucceeds:  true,
			expectedName: childChildName,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tree := NewTree()
			// Add the parent node.
			require.True(t, tree.AddNode("/"+rootChildName, rootChildName))
			before := tree.Entries()

			ok := tree.AddNode(test.path, test.data)
			assert.Equal(t, test.addSucceeds, ok)
			if !test.addSucceeds {
				// A failed add never changes the tree.
				assert.Equal(t, before, tree.Entries())
				return
			}

			stat, ok := tree.Stat(test.path, StatData)
			require.True(t, ok)
			assert.Equal(t, test.expectedName, stat.Name)
			assert.Equal(t, test.data, stat.Data)
			assert.Equal(t, 0, stat.NumChildren)
			assert.Equal(t, stat.CTime, stat.MTime)
		})
	}
}

// TestTree_RemoveThenGet verifies that we can't find any nodes that have been removed.
func TestTree_RemoveThenGet(t *testing.T) {
	tests := []struct {
		name          string
		path          string
		removed       bool
		expectMissing []string
		expectPresent []string
	}{
		{
			name:          "root",
			path:          "/",
			removed:       false,
			expectPresent: []string{"/", "/a", "/a/b", "/c"},
		},
		{
			name:          "empty path is the root",
			path:          "",
			removed:       false,
			expectPresent: []string{"/", "/a", "/a/b", "/c"},
		},
		{
			name:          "node missing",
			path:          "/random",
			removed:       false,
			expectPresent: []string{"/a", "/a/b", "/c"},
		},
		{
			name:          "parent missing",
			path:          "/x/y",
			removed:       false,
			expectPresent: []string{"/a", "/a/b", "/c"},
		},
		{
			name:          "leaf",
			path:          "/a/b",
			removed:       true,
			expectMissing: []string{"/a/b"},
			expectPresent: []string{"/a", "/c"},
		},
		{
			name:          "subtree",
			path:          "/a",
			removed:       true,
			expectMissing: []string{"/a", "/a/b"},
			expectPresent: []string{"/", "/c"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tree := NewTree()
			require.True(t, tree.AddNode("/a", "a"))
			require.True(t, tree.AddNode("/a/b", "b"))
			require.True(t, tree.AddNode("/c", "c"))

			assert.Equal(t, test.removed, tree.RemoveNode(test.path))
			for _, path := range test.expectMissing {
				assert.False(t, tree.Exists(path), path)
			}
			for _, path := range test.expectPresent {
				assert.True(t, tree.Exists(path), path)
			}
		})
	}
}

func TestTree_RemoveTwice(t *testing.T) {
	tree := NewTree()
	require.True(t, tree.AddNode("/a", "a"))

	assert.True(t, tree.RemoveNode("/a"))
	assert.False(t, tree.RemoveNode("/a"))
	// Re-creating a removed node works again.
	assert.True(t, tree.AddNode("/a", "again"))
}

func TestTree_SetData(t *testing.T) {
	// Freeze the clock so two writes land in the same tick.
	frozen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tree := newTree(func() time.Time { return frozen })
	require.True(t, tree.AddNode("/a", "1"))
	before, ok := tree.GetNodeInfo("/a")
	require.True(t, ok)

	require.True(t, tree.SetDataAt("/a", "2", dxid.NewDXID(1, 7)))
	after, ok := tree.Stat("/a", StatData)
	require.True(t, ok)

	assert.Equal(t, "2", after.Data)
	assert.Equal(t, before.CTime, after.CTime)
	assert.True(t, after.MTime.After(before.MTime))
	assert.Equal(t, dxid.NewDXID(1, 7), tree.Entries()[0].Dxid)

	// Setting data never creates nodes.
	assert.False(t, tree.SetData("/missing", "x"))
	assert.False(t, tree.Exists("/missing"))
}

func TestTree_GetChildList(t *testing.T) {
	tree := NewTree()
	for _, path := range []string{"/zoo", "/zoo/zebra", "/zoo/ant", "/zoo/moose"} {
		require.True(t, tree.AddNode(path, "x"))
	}

	children, ok := tree.GetChildList("/zoo")
	require.True(t, ok)
	assert.Equal(t, []string{"ant", "moose", "zebra"}, children)

	children, ok = tree.GetChildList("/zoo/ant")
	require.True(t, ok)
	assert.Empty(t, children)

	_, ok = tree.GetChildList("/nope")
	assert.False(t, ok)

	stat, ok := tree.Stat("/zoo", StatChildren)
	require.True(t, ok)
	assert.Equal(t, "ant,moose,zebra", stat.ChildList)
	assert.Equal(t, 3, stat.NumChildren)
	assert.Empty(t, stat.Data)
}

func TestTree_RootInfo(t *testing.T) {
	tree := NewTree()
	require.True(t, tree.AddNode("/a", "a"))

	for _, path := range []string{"", "/", "///"} {
		stat, ok := tree.GetNodeInfo(path)
		require.True(t, ok, path)
		assert.Equal(t, "", stat.Name)
		assert.Equal(t, 1, stat.NumChildren)
	}
}

func TestTree_DeepCopy(t *testing.T) {
	tree := NewTree()
	require.True(t, tree.AddNode("/a", "a"))
	require.True(t, tree.AddNode("/a/b", "b"))

	c := tree.DeepCopy()
	require.Equal(t, tree.Entries(), c.Entries())

	// Mutating the original never shows up in the copy.
	require.True(t, tree.SetData("/a", "changed"))
	require.True(t, tree.RemoveNode("/a/b"))
	require.True(t, tree.AddNode("/d", "d"))

	stat, ok := c.Stat("/a", StatData)
	require.True(t, ok)
	assert.Equal(t, "a", stat.Data)
	assert.True(t, c.Exists("/a/b"))
	assert.False(t, c.Exists("/d"))
}

func TestTree_FromEntries(t *testing.T) {
	tree := NewTree()
	require.True(t, tree.AddNodeAt("/a", "a", dxid.NewDXID(1, 1)))
	require.True(t, tree.AddNodeAt("/a/b", "b", dxid.NewDXID(1, 2)))
	require.True(t, tree.AddNodeAt("/c", "c", dxid.NewDXID(1, 3)))

	rebuilt, err := FromEntries(tree.Entries())
	require.NoError(t, err)
	assert.Equal(t, tree.Entries(), rebuilt.Entries())
	assert.Equal(t, 3, rebuilt.Len())

	_, err = FromEntries([]Entry{{Path: "/x/y"}})
	assert.Error(t, err)
}

func TestServer_SplitPathIntoNodeNames(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		expectedResult []string
	}{
		{
			name:           "root",
			path:           "/",
			expectedResult: []string{},
		},
		{
			name:           "empty",
			path:           "",
			expectedResult: []string{},
		},
		{
			name:           "1 name",
			path:           "/node",
			expectedResult: []string{"node"},
		},
		{
			name:           "multiple names with extra slashes",
			path:           "//a1/a2///node/",
			expectedResult: []string{"a1", "a2", "node"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			actualResult := splitPathIntoNodeNames(test.path)
			assert.ElementsMatch(t, test.expectedResult, actualResult)
		})
	}
}
