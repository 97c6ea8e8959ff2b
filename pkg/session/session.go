// Package session holds what the hub knows about one remote member: the deliveries waiting to be
// streamed to it and the messages it still has to answer.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultBuffer is how many deliveries can wait for the stream before the member's delivery goroutine
// blocks.
const DefaultBuffer = 256

type Session struct {
	Member group.Member
	Group  string
	// Events is drained by the member's subscription stream in delivery order.
	Events chan *Event

	// pending maps the token of every delivered message to the message, until the member responds.
	pending *xsync.MapOf[uint64, *group.Message]
	tokens  atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func NewSession(member group.Member, groupName string, buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Session{
		Member:  member,
		Group:   groupName,
		Events:  make(chan *Event, buffer),
		pending: xsync.NewMapOf[uint64, *group.Message](),
		closed:  make(chan struct{}),
	}
}

// An Event is one delivery to stream to the member. Only one of Message and View is set.
type Event struct {
	Token   uint64
	Message *group.Message
	View    *group.View
}

// Deliver queues a message for the member and remembers it until Respond is called with its token. It
// is used as the group handler of every tag.
func (s *Session) Deliver(msg *group.Message) {
	token := s.tokens.Add(1)
	s.pending.Store(token, msg)
	if !s.push(&Event{Token: token, Message: msg}) {
		s.pending.Delete(token)
	}
}

// DeliverView queues a view change for the member.
func (s *Session) DeliverView(v group.View) {
	s.push(&Event{View: &v})
}

func (s *Session) push(ev *Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.Events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

// Respond answers the message delivered with token. It reports whether the token was still pending.
func (s *Session) Respond(token uint64, payload []byte) bool {
	msg, ok := s.pending.LoadAndDelete(token)
	if !ok {
		return false
	}
	msg.Reply(payload)
	return true
}

// Pending returns how many delivered messages are still unanswered.
func (s *Session) Pending() int {
	return s.pending.Size()
}

// Close stops all further deliveries. Unanswered messages are forgotten; the group stops waiting on
// the member once it leaves.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.pending.Clear()
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
