// Package group is the boundary between DwarfKeeper and the group communication layer. It defines
// what a member can do with its group (join, ordered broadcast, point-to-point query, membership views)
// and provides Network, an in-process implementation that also powers the gRPC hub.
//
// Every implementation must give the same guarantees:
//   - Broadcasts and view changes of a group are delivered to every member in one total order, each
//     stamped with a strictly increasing dxid.
//   - A member sees its deliveries one at a time, from a single delivery goroutine. Handlers must not
//     block that goroutine; they reply asynchronously through Message.Reply.
//   - OrderedBroadcast returns one reply per target member, in view order. Members that leave before
//     replying are skipped.
package group

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
)

var (
	ErrNotJoined     = errors.New("not joined to a group")
	ErrNoMembers     = errors.New("no group member accepts the request")
	ErrUnknownMember = errors.New("unknown group member")
	ErrNoHandler     = errors.New("no handler registered for tag")
	ErrClosed        = errors.New("transport closed")
)

// MemberID identifies a member within its group.
type MemberID string

// Role separates the members that answer clients from the members that only record the stream.
type Role int

const (
	RoleServer Role = iota
	RoleLogger
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleLogger:
		return "logger"
	default:
		return "unknown"
	}
}

// Tag routes a message to a handler.
type Tag int

const (
	// TagUpdate carries replicated commands through the ordered broadcast.
	TagUpdate Tag = iota
	// TagRequest carries client commands to a single member.
	TagRequest
	// TagState carries state transfer requests from a joining member.
	TagState
)

type Member struct {
	ID   MemberID
	Role Role
}

// View is the membership of a group at one point in its total order. Members are ordered by the time
// they joined, so rank 0 is the oldest member.
type View struct {
	Group   string
	ID      dxid.DXID
	Members []Member
}

// Rank returns the position of id in the view, or -1 if it is not a member.
func (v View) Rank(id MemberID) int {
	return slices.IndexFunc(v.Members, func(m Member) bool {
		return m.ID == id
	})
}

func (v View) Size() int {
	return len(v.Members)
}

// WithRole returns the members of the view that have role, in view order.
func (v View) WithRole(role Role) []Member {
	var members []Member
	for _, m := range v.Members {
		if m.Role == role {
			members = append(members, m)
		}
	}
	return members
}

func (v View) clone() View {
	v.Members = slices.Clone(v.Members)
	return v
}

// Message is a single delivery to a member.
type Message struct {
	// ID is the position of the message in the group order. Point-to-point queries are not part of
	// the order and carry dxid.Zero.
	ID      dxid.DXID
	From    MemberID
	Tag     Tag
	Payload []byte

	// ctx is the context of the sender of a point-to-point query.
	ctx   context.Context
	once  sync.Once
	reply func([]byte)
}

func NewMessage(id dxid.DXID, from MemberID, tag Tag, payload []byte, reply func([]byte)) *Message {
	return &Message{
		ID:      id,
		From:    from,
		Tag:     tag,
		Payload: payload,
		reply:   reply,
	}
}

// WithContext attaches the context the sender waits with, so the handler can give up when the sender
// did.
func (m *Message) WithContext(ctx context.Context) *Message {
	m.ctx = ctx
	return m
}

// Context returns the sender's context. Ordered broadcasts have none and get context.Background.
func (m *Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// Reply answers the message. It may be called from any goroutine; only the first call counts.
func (m *Message) Reply(payload []byte) {
	m.once.Do(func() {
		if m.reply != nil {
			m.reply(payload)
		}
	})
}

// Reply is the answer of one member to an ordered broadcast.
type Reply struct {
	From    MemberID
	Payload []byte
}

// Handler receives the messages of one tag. It is called on the member's delivery goroutine and must
// hand any real work off before returning.
type Handler func(msg *Message)

// Transport is what a member uses to talk to its group.
type Transport interface {
	// Join adds the member to the group and returns the first view that contains it. Every broadcast
	// ordered after that view is delivered to the member.
	Join(ctx context.Context, group string) (View, error)
	// Leave removes the member from its group. Remaining members see a new view.
	Leave(ctx context.Context) error
	// Self returns the id of this member.
	Self() MemberID
	// View returns the latest view delivered to this member.
	View() View
	// RegisterHandler sets the handler for messages with tag. It must be called before Join.
	RegisterHandler(tag Tag, h Handler)
	// OnViewChange registers fn to be called, in delivery order, with every new view.
	OnViewChange(fn func(View))
	// AllowExternalRequests lets clients outside of the group send queries with tag to this member.
	AllowExternalRequests(tag Tag)
	// OrderedBroadcast delivers payload to every member of the group, the sender included, and waits
	// for a reply from every member with the target role.
	OrderedBroadcast(ctx context.Context, targets Role, tag Tag, payload []byte) ([]Reply, error)
	// Query sends payload to a single member of the group and waits for its reply.
	Query(ctx context.Context, to MemberID, tag Tag, payload []byte) ([]byte, error)
}

// Querier is the client side of a group: it sends a query to any member that accepts external
// requests for the tag.
type Querier interface {
	Query(ctx context.Context, tag Tag, payload []byte) ([]byte, error)
}
