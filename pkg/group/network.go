package group

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/sirupsen/logrus"
)

// Network is an in-process group communication system. A single sequencer lock orders every broadcast
// and view change of every group, and per-member inboxes deliver them in that order.
type Network struct {
	// mu protects every field below as well as the group pointer of each Endpoint. In order to keep
	// the order total, ids are handed out and deliveries are queued while holding it.
	mu     *sync.Mutex
	last   dxid.DXID
	groups map[string]*localGroup

	log *logrus.Entry
}

type localGroup struct {
	name    string
	view    View
	members map[MemberID]*Endpoint
	pending map[dxid.DXID]*pendingBroadcast
	// next is the round robin cursor for client queries.
	next int
}

// NewNetwork creates a network whose delivery ids all carry epoch.
func NewNetwork(epoch int32, log *logrus.Entry) *Network {
	return &Network{
		mu:     &sync.Mutex{},
		last:   dxid.NewDXID(epoch, 0),
		groups: map[string]*localGroup{},
		log:    log,
	}
}

// nextID must be called while holding n.mu.
func (n *Network) nextID() dxid.DXID {
	n.last = n.last.Next()
	return n.last
}

// Member creates a new endpoint with a random id.
func (n *Network) Member(role Role) *Endpoint {
	return n.Endpoint(MemberID(uuid.New().String()), role)
}

// Endpoint creates the endpoint of a member with a known id. The member is not part of any group until
// it calls Join.
func (n *Network) Endpoint(id MemberID, role Role) *Endpoint {
	return &Endpoint{
		net:      n,
		id:       id,
		role:     role,
		mu:       &sync.RWMutex{},
		handlers: map[Tag]Handler{},
		allowed:  map[Tag]bool{},
		inbox:    newInbox(),
		done:     make(chan struct{}),
	}
}

// View returns the current view of a group.
func (n *Network) View(group string) (View, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, ok := n.groups[group]
	if !ok {
		return View{}, false
	}
	return g.view.clone(), true
}

// Client returns a querier that sends requests to the members of group.
func (n *Network) Client(group string) *Client {
	return &Client{net: n, group: group}
}

// pick selects the next member of group that accepts external requests for tag.
func (n *Network) pick(group string, tag Tag) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, ok := n.groups[group]
	if !ok {
		return nil, fmt.Errorf("group [%s]: %w", group, ErrNoMembers)
	}
	var candidates []*Endpoint
	for _, m := range g.view.Members {
		if e := g.members[m.ID]; e != nil && e.allows(tag) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("group [%s]: %w", group, ErrNoMembers)
	}
	g.next++
	return candidates[g.next%len(candidates)], nil
}

// Client is the Querier of a Network.
type Client struct {
	net   *Network
	group string
}

func (c *Client) Query(ctx context.Context, tag Tag, payload []byte) ([]byte, error) {
	target, err := c.net.pick(c.group, tag)
	if err != nil {
		return nil, err
	}
	return target.serve(ctx, "", tag, payload)
}

// Endpoint is one member of a Network. It implements Transport.
type Endpoint struct {
	net  *Network
	id   MemberID
	role Role
	// group is protected by net.mu.
	group *localGroup

	mu       *sync.RWMutex
	handlers map[Tag]Handler
	allowed  map[Tag]bool
	viewFns  []func(View)
	view     View

	inbox *inbox
	done  chan struct{}
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) Self() MemberID {
	return e.id
}

func (e *Endpoint) Role() Role {
	return e.role
}

func (e *Endpoint) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view.clone()
}

func (e *Endpoint) RegisterHandler(tag Tag, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[tag] = h
}

func (e *Endpoint) OnViewChange(fn func(View)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewFns = append(e.viewFns, fn)
}

func (e *Endpoint) AllowExternalRequests(tag Tag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowed[tag] = true
}

func (e *Endpoint) allows(tag Tag) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.allowed[tag]
}

func (e *Endpoint) handler(tag Tag) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[tag]
}

func (e *Endpoint) Join(_ context.Context, group string) (View, error) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.group != nil {
		return View{}, fmt.Errorf("member [%s] already joined group [%s]", e.id, e.group.name)
	}
	g, ok := n.groups[group]
	if !ok {
		g = &localGroup{
			name:    group,
			members: map[MemberID]*Endpoint{},
			pending: map[dxid.DXID]*pendingBroadcast{},
		}
		n.groups[group] = g
	}
	e.group = g
	g.members[e.id] = e
	g.view = View{
		Group:   group,
		ID:      n.nextID(),
		Members: append(slices.Clone(g.view.Members), Member{ID: e.id, Role: e.role}),
	}
	e.mu.Lock()
	e.view = g.view.clone()
	e.mu.Unlock()
	n.installView(g)

	go e.deliver()

	if n.log != nil {
		n.log.WithFields(logrus.Fields{"group": group, "member": e.id, "view": g.view.ID}).Debug("Member joined")
	}
	return g.view.clone(), nil
}

func (e *Endpoint) Leave(_ context.Context) error {
	n := e.net
	n.mu.Lock()
	g := e.group
	if g == nil {
		n.mu.Unlock()
		return ErrNotJoined
	}
	e.group = nil
	delete(g.members, e.id)
	g.view = View{
		Group: g.name,
		ID:    n.nextID(),
		Members: slices.DeleteFunc(slices.Clone(g.view.Members), func(m Member) bool {
			return m.ID == e.id
		}),
	}
	n.installView(g)
	// Nobody waits on a member that is gone.
	for id, pb := range g.pending {
		if pb.drop(e.id) {
			delete(g.pending, id)
		}
	}
	if len(g.members) == 0 {
		delete(n.groups, g.name)
	}
	n.mu.Unlock()

	e.inbox.close()
	close(e.done)
	return nil
}

// installView queues the current view of g for every member. It must be called while holding n.mu.
func (n *Network) installView(g *localGroup) {
	for _, m := range g.view.Members {
		v := g.view.clone()
		g.members[m.ID].inbox.push(delivery{view: &v})
	}
}

func (e *Endpoint) OrderedBroadcast(ctx context.Context, targets Role, tag Tag, payload []byte) ([]Reply, error) {
	n := e.net
	n.mu.Lock()
	g := e.group
	if g == nil {
		n.mu.Unlock()
		return nil, ErrNotJoined
	}
	id := n.nextID()
	pb := newPendingBroadcast(g.view.WithRole(targets))
	for _, m := range g.view.Members {
		from := m.ID
		msg := NewMessage(id, e.id, tag, payload, func(b []byte) {
			n.settle(g, id, from, b)
		})
		g.members[m.ID].inbox.push(delivery{msg: msg})
	}
	if pb.finished() {
		close(pb.done)
	} else {
		g.pending[id] = pb
	}
	n.mu.Unlock()

	select {
	case <-pb.done:
		return pb.result(), nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(g.pending, id)
		n.mu.Unlock()
		return nil, fmt.Errorf("waiting for replies to %s: %w", id, ctx.Err())
	}
}

// settle records the reply of member from to broadcast id.
func (n *Network) settle(g *localGroup, id dxid.DXID, from MemberID, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pb, ok := g.pending[id]
	if !ok {
		return
	}
	if pb.reply(from, payload) {
		delete(g.pending, id)
	}
}

func (e *Endpoint) Query(ctx context.Context, to MemberID, tag Tag, payload []byte) ([]byte, error) {
	n := e.net
	n.mu.Lock()
	g := e.group
	if g == nil {
		n.mu.Unlock()
		return nil, ErrNotJoined
	}
	target, ok := g.members[to]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("member [%s]: %w", to, ErrUnknownMember)
	}
	return target.serve(ctx, e.id, tag, payload)
}

// serve hands a point-to-point query to the handler for tag and waits for its reply.
func (e *Endpoint) serve(ctx context.Context, from MemberID, tag Tag, payload []byte) ([]byte, error) {
	h := e.handler(tag)
	if h == nil {
		return nil, fmt.Errorf("member [%s], tag %d: %w", e.id, tag, ErrNoHandler)
	}
	replyCh := make(chan []byte, 1)
	h(NewMessage(dxid.Zero, from, tag, payload, func(b []byte) {
		replyCh <- b
	}).WithContext(ctx))
	select {
	case b := <-replyCh:
		return b, nil
	case <-e.done:
		return nil, fmt.Errorf("member [%s]: %w", e.id, ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver runs the member's delivery goroutine until the member leaves.
func (e *Endpoint) deliver() {
	for {
		d, ok := e.inbox.pop()
		if !ok {
			return
		}
		if d.view != nil {
			e.mu.Lock()
			e.view = *d.view
			fns := slices.Clone(e.viewFns)
			e.mu.Unlock()
			for _, fn := range fns {
				fn(d.view.clone())
			}
			continue
		}
		h := e.handler(d.msg.Tag)
		if h == nil {
			// Answer anyway so the sender is not left waiting on us.
			d.msg.Reply(nil)
			continue
		}
		h(d.msg)
	}
}

// pendingBroadcast collects the replies to one broadcast.
type pendingBroadcast struct {
	targets []MemberID
	waiting map[MemberID]bool
	replies map[MemberID][]byte
	done    chan struct{}
}

func newPendingBroadcast(targets []Member) *pendingBroadcast {
	pb := &pendingBroadcast{
		waiting: map[MemberID]bool{},
		replies: map[MemberID][]byte{},
		done:    make(chan struct{}),
	}
	for _, m := range targets {
		pb.targets = append(pb.targets, m.ID)
		pb.waiting[m.ID] = true
	}
	return pb
}

func (pb *pendingBroadcast) finished() bool {
	return len(pb.waiting) == 0
}

// reply records a reply and reports whether the broadcast just completed.
func (pb *pendingBroadcast) reply(from MemberID, payload []byte) bool {
	if !pb.waiting[from] {
		return false
	}
	delete(pb.waiting, from)
	pb.replies[from] = payload
	return pb.complete()
}

// drop stops waiting for a member and reports whether the broadcast just completed.
func (pb *pendingBroadcast) drop(id MemberID) bool {
	if !pb.waiting[id] {
		return false
	}
	delete(pb.waiting, id)
	return pb.complete()
}

func (pb *pendingBroadcast) complete() bool {
	if !pb.finished() {
		return false
	}
	close(pb.done)
	return true
}

// result must only be called once done is closed.
func (pb *pendingBroadcast) result() []Reply {
	replies := make([]Reply, 0, len(pb.replies))
	for _, id := range pb.targets {
		if payload, ok := pb.replies[id]; ok {
			replies = append(replies, Reply{From: id, Payload: payload})
		}
	}
	return replies
}
