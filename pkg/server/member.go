package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
	"github.com/sirupsen/logrus"
)

// leaveTimeout bounds the Leave after a failed start.
const leaveTimeout = 5 * time.Second

// applyItem is one delivery waiting to be applied. Exactly one of the fields is set.
type applyItem struct {
	msg  *group.Message
	view *group.View
}

func (i applyItem) id() dxid.DXID {
	if i.view != nil {
		return i.view.ID
	}
	return i.msg.ID
}

type waiter struct {
	id dxid.DXID
	ch chan struct{}
}

// member keeps a tree in step with the group. It is shared by Replica and LogReplica.
//
// Deliveries arrive on the transport's delivery goroutine, which only queues them. A single apply
// goroutine applies them in order, so the tree has one writer. Until the member has its state, the
// deliveries are parked in pending instead.
type member struct {
	transport group.Transport
	role      group.Role
	opts      Options
	log       *logrus.Entry
	ops       map[dwarf.OpCode]opHandler
	// applyLocal applies a write delivered through the group. It is set by the embedding type.
	applyLocal func(cmd dwarf.Command) *dwarf.Stat

	current atomic.Pointer[znode.Tree]
	status  atomic.Int32

	// mu protects pending and the switch to StatusReady.
	mu      *sync.Mutex
	pending []applyItem
	queue   chan applyItem

	// appliedMu is held while a delivery is applied, so the tree always matches lastApplied. It
	// protects every field below.
	appliedMu   *sync.Mutex
	lastApplied dxid.DXID
	waiters     []waiter
	hasState    bool
	lastView    *group.View
	// snapshots holds the tree as of every view that added members who still need it, keyed by view id.
	snapshots map[dxid.DXID]*viewState

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

func newMember(t group.Transport, role group.Role, opts Options) *member {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &member{
		transport: t,
		role:      role,
		opts:      opts,
		log: opts.Log.WithFields(logrus.Fields{
			"component": role.String(),
			"member":    t.Self(),
		}),
		mu:        &sync.Mutex{},
		queue:     make(chan applyItem, opts.ApplyQueue),
		appliedMu: &sync.Mutex{},
		snapshots: map[dxid.DXID]*viewState{},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.current.Store(znode.NewTree())
	m.ops = m.newOps()

	t.RegisterHandler(group.TagUpdate, m.onUpdate)
	t.RegisterHandler(group.TagState, m.onStateRequest)
	t.OnViewChange(m.onView)
	return m
}

func (m *member) tree() *znode.Tree {
	return m.current.Load()
}

// Tree returns a copy of the member's tree.
func (m *member) Tree() *znode.Tree {
	return m.tree().DeepCopy()
}

func (m *member) Status() Status {
	return Status(m.status.Load())
}

func (m *member) setStatus(s Status) {
	m.status.Store(int32(s))
	m.log.WithField("status", s).Debug("Status changed")
}

// LastApplied returns the id of the last delivery applied to the tree.
func (m *member) LastApplied() dxid.DXID {
	m.appliedMu.Lock()
	defer m.appliedMu.Unlock()
	return m.lastApplied
}

// start joins the group and gets the member's state, either from an existing member or by starting
// with the tree it already has.
func (m *member) start(ctx context.Context) error {
	m.setStatus(StatusJoining)
	m.started.Store(true)
	go m.applyLoop()

	view, err := m.transport.Join(ctx, m.opts.Group)
	if err != nil {
		return fmt.Errorf("joining group [%s]: %w", m.opts.Group, err)
	}
	m.setStatus(StatusInitializing)
	m.log.WithFields(logrus.Fields{"view": view.ID, "members": view.Size()}).Info("Joined group")

	holders := m.stateHolders(view)
	if len(holders) == 0 {
		m.becomeReady(view, nil)
		return nil
	}
	for i, holder := range holders {
		tree, err := m.fetchState(ctx, holder, view.ID)
		if err != nil {
			common.StateTransfers.WithLabelValues("received", common.Outcome(false)).Inc()
			m.log.WithError(err).WithField("holder", holder).Warn("State transfer failed")
			continue
		}
		common.StateTransfers.WithLabelValues("received", common.Outcome(true)).Inc()
		m.log.WithFields(logrus.Fields{"holder": holder, "nodes": tree.Len()}).Info("Received state")
		m.becomeReady(view, tree)
		m.releaseState(view.ID, slices.Delete(slices.Clone(holders), i, i+1))
		return nil
	}
	m.abandon()
	return fmt.Errorf("state transfer: no member of group [%s] sent its state", m.opts.Group)
}

// abandon leaves the group after a failed start. A member that stays in the view without its state
// would never answer the broadcasts every write waits on.
func (m *member) abandon() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := m.transport.Leave(ctx); err != nil {
		m.log.WithError(err).Warn("Failed to leave the group after a failed start")
	}
	m.cancel()
}

// becomeReady installs the member's state and hands every parked delivery after it to the apply
// goroutine. A nil tree keeps the tree the member already has.
func (m *member) becomeReady(joined group.View, tree *znode.Tree) {
	m.appliedMu.Lock()
	if tree != nil {
		m.current.Store(tree)
		m.lastApplied = joined.ID
	}
	m.hasState = true
	m.lastView = &joined
	last := m.lastApplied
	m.appliedMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.pending {
		// Everything up to the transferred state is already part of the tree.
		if tree != nil && item.id() <= last {
			continue
		}
		m.push(item)
	}
	m.pending = nil
	m.setStatus(StatusReady)
}

func (m *member) onUpdate(msg *group.Message) {
	m.enqueue(applyItem{msg: msg})
}

func (m *member) onView(v group.View) {
	common.ViewChanges.WithLabelValues(m.role.String()).Inc()
	m.log.WithFields(logrus.Fields{
		"view":    v.ID,
		"members": v.Size(),
		"status":  m.Status(),
	}).Info("View changed")
	m.enqueue(applyItem{view: &v})
}

// enqueue is called on the delivery goroutine.
func (m *member) enqueue(item applyItem) {
	m.mu.Lock()
	if m.Status() != StatusReady {
		m.pending = append(m.pending, item)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.push(item)
}

func (m *member) push(item applyItem) {
	select {
	case m.queue <- item:
		common.ApplyQueueDepth.WithLabelValues(string(m.transport.Self())).Inc()
	case <-m.ctx.Done():
	}
}

func (m *member) applyLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case item := <-m.queue:
			common.ApplyQueueDepth.WithLabelValues(string(m.transport.Self())).Dec()
			m.apply(item)
		}
	}
}

func (m *member) apply(item applyItem) {
	var reply []byte
	m.appliedMu.Lock()
	if item.view != nil {
		m.installViewLocked(*item.view)
	} else {
		reply = dwarf.EncodeStat(m.applyMessage(item.msg))
	}
	if id := item.id(); id > m.lastApplied {
		m.lastApplied = id
	}
	m.notifyWaitersLocked()
	m.appliedMu.Unlock()

	if item.msg != nil {
		item.msg.Reply(reply)
	}
}

func (m *member) applyMessage(msg *group.Message) *dwarf.Stat {
	cmd, err := dwarf.DecodeCommand(msg.Payload)
	if err != nil {
		return dwarf.ErrorStat(fmt.Sprintf("Error: malformed update: %v", err))
	}
	cmd.Dxid = msg.ID
	if !cmd.Op.IsMutating() {
		return dwarf.ErrorStat(fmt.Sprintf("Error: %s is not replicated", cmd.Op))
	}
	return m.applyLocal(cmd)
}

// applyWrite runs the handler of a write against the tree.
func (m *member) applyWrite(cmd dwarf.Command) *dwarf.Stat {
	op, ok := m.ops[cmd.Op]
	if !ok || op.apply == nil {
		return dwarf.ErrorStat(fmt.Sprintf("Error: %s can't be applied", cmd.Op))
	}
	args, errStat := parseArgs(cmd, op.minArgs)
	if errStat != nil {
		return errStat
	}
	return op.apply(cmd.Dxid, args)
}

func (m *member) notifyWaitersLocked() {
	m.waiters = slices.DeleteFunc(m.waiters, func(w waiter) bool {
		if w.id <= m.lastApplied {
			close(w.ch)
			return true
		}
		return false
	})
}

// waitApplied blocks until the delivery id has been applied.
func (m *member) waitApplied(ctx context.Context, id dxid.DXID) error {
	m.appliedMu.Lock()
	if m.lastApplied >= id {
		m.appliedMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, waiter{id: id, ch: ch})
	m.appliedMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop leaves the group and stops the apply goroutine.
func (m *member) stop(ctx context.Context) error {
	err := m.transport.Leave(ctx)
	m.cancel()
	// A member whose start failed has already left.
	if errors.Is(err, group.ErrNotJoined) {
		err = nil
	}
	if m.started.Load() {
		<-m.done
	}
	if err != nil {
		return fmt.Errorf("leaving group [%s]: %w", m.opts.Group, err)
	}
	return nil
}
