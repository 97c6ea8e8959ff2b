package dwarf

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
)

// OpCode identifies the operation a Command performs against the tree.
type OpCode int32

const (
	// TEST echoes a fixed marker back to the client. Used to check that a group is reachable.
	TEST OpCode = iota
	// CREATE adds a new node. The parent of the node must already exist.
	CREATE
	// DELETE removes a node and its whole subtree.
	DELETE
	// GET_NODE returns the stat of a node together with its data.
	GET_NODE
	// GET_CHILDREN returns the comma joined names of the children of a node.
	GET_CHILDREN
	// GET_CHILDREN2 returns the stat of a node together with its children, but without data.
	GET_CHILDREN2
	// SET_NODE replaces the data stored at a node.
	SET_NODE
	// GET_ALL returns the stat of a node with both its data and its children.
	GET_ALL
	// EXISTS returns the stat of a node if it exists.
	EXISTS
)

var opNames = map[OpCode]string{
	TEST:          "test",
	CREATE:        "create",
	DELETE:        "delete",
	GET_NODE:      "getNode",
	GET_CHILDREN:  "getChildren",
	GET_CHILDREN2: "getChildren2",
	SET_NODE:      "setNode",
	GET_ALL:       "getNodeAll",
	EXISTS:        "exists",
}

func (o OpCode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OpCode(%d)", int32(o))
}

// ParseOpCode maps the name printed by String back to the OpCode.
func ParseOpCode(name string) (OpCode, error) {
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation [%s]", name)
}

// IsMutating reports whether the operation changes the tree. Only mutating operations
// are sent through the ordered group broadcast.
func (o OpCode) IsMutating() bool {
	switch o {
	case CREATE, DELETE, SET_NODE:
		return true
	default:
		return false
	}
}

// Command is the unit of replication. Args holds whitespace separated arguments, typically
// "<path>" or "<path> <data>".
type Command struct {
	Op   OpCode
	Args string
	// Dxid is the position of the command in the group's total order. It is only set once the
	// command has been delivered through the ordered broadcast.
	Dxid dxid.DXID
}

func NewCommand(op OpCode, args ...string) Command {
	return Command{
		Op:   op,
		Args: strings.Join(args, " "),
	}
}

// Fields splits the arguments the same way for every operation.
func (c Command) Fields() []string {
	return strings.Fields(c.Args)
}

// Path returns the first argument, or the empty string if there are none.
func (c Command) Path() string {
	fields := c.Fields()
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Op, c.Args)
}

// Stat is the reply for every operation. A reply signals failure through Err; when Err is
// set none of the other fields are meaningful.
type Stat struct {
	Name  string
	CTime time.Time
	MTime time.Time
	// NumChildren is -1 for replies that don't describe a node.
	NumChildren int
	ChildList   string
	Data        string
	// Err is empty on success.
	Err string
	// Info carries the result of operations that don't return a node, e.g. the echoed path
	// of a create.
	Info string
}

// NewNodeStat creates the stat of a single node.
func NewNodeStat(name string, ctime, mtime time.Time, numChildren int) *Stat {
	return &Stat{
		Name:        name,
		CTime:       ctime,
		MTime:       mtime,
		NumChildren: numChildren,
	}
}

// InfoStat creates a successful reply that carries a message instead of a node.
func InfoStat(msg string) *Stat {
	return &Stat{NumChildren: -1, Info: msg}
}

// ErrorStat creates a failed reply.
func ErrorStat(msg string) *Stat {
	return &Stat{NumChildren: -1, Err: msg}
}

func (s *Stat) Failed() bool {
	return s.Err != ""
}

// Children returns the child names carried by the stat.
func (s *Stat) Children() []string {
	if s.ChildList == "" {
		return nil
	}
	return strings.Split(s.ChildList, ",")
}

func (s *Stat) String() string {
	return fmt.Sprintf(
		"Name: %s\nctime: %s\nmtime: %s\nnumChildren: %d\nchildlst: %s\ndata: %s\nErr: %s",
		s.Name,
		formatTime(s.CTime),
		formatTime(s.MTime),
		s.NumChildren,
		s.ChildList,
		s.Data,
		s.Err,
	)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
