package dwarf

import "context"

// Keeper is the set of operations a client can run against a DwarfKeeper group.
// Domain failures are reported through Stat.Err; the error return is only used when
// the request could not be delivered at all.
type Keeper interface {
	// Create creates a node at path holding data. Every ancestor of the node must already exist.
	// On success Info echoes the path.
	Create(ctx context.Context, path, data string) (*Stat, error)
	// Delete removes the node at path together with all of its children. On success Info echoes
	// the path.
	Delete(ctx context.Context, path string) (*Stat, error)
	// SetNode replaces the data at path. On success Info echoes the new data.
	SetNode(ctx context.Context, path, data string) (*Stat, error)
	// GetNode returns the stat and data of the node at path.
	GetNode(ctx context.Context, path string) (*Stat, error)
	// GetNodeAll returns the stat, data and children of the node at path.
	GetNodeAll(ctx context.Context, path string) (*Stat, error)
	// GetChildren returns the names of the children of the node at path, comma joined in Info.
	GetChildren(ctx context.Context, path string) (*Stat, error)
	// GetChildren2 returns the stat and children of the node at path, without data.
	GetChildren2(ctx context.Context, path string) (*Stat, error)
	// Exists returns the stat of the node at path, or a failed stat if it does not exist.
	Exists(ctx context.Context, path string) (*Stat, error)
	// Test sends msg to a member of the group and returns its fixed echo marker.
	Test(ctx context.Context, msg string) (*Stat, error)
}

// Listener is implemented by every group member that keeps a copy of the tree.
type Listener interface {
	// ApplyLocal applies a command delivered through the ordered group broadcast to the local tree.
	ApplyLocal(cmd Command) *Stat
	// HandleExternal handles a command sent directly to this member by a client.
	HandleExternal(ctx context.Context, cmd Command) *Stat
}
