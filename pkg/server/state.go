package server

import (
	"context"
	"fmt"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/persistence"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	stateFieldView    protowire.Number = 1
	stateFieldRelease protowire.Number = 2
)

// viewState is the tree as of a view that added members. It is kept until each of those members has
// fetched it, released it or left the group.
type viewState struct {
	tree    *znode.Tree
	waiting map[group.MemberID]struct{}
}

// stateRequest is sent by a joining member to a state holder. With release set, the joiner got its
// state elsewhere and the holder can drop what it kept for it.
type stateRequest struct {
	view    dxid.DXID
	release bool
}

func encodeStateRequest(req stateRequest) []byte {
	b := protowire.AppendTag(nil, stateFieldView, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.view))
	if req.release {
		b = protowire.AppendTag(b, stateFieldRelease, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func decodeStateRequest(b []byte) (stateRequest, error) {
	var req stateRequest
	err := dwarf.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case stateFieldView:
			req.view = dxid.DXID(v)
		case stateFieldRelease:
			req.release = v != 0
		}
		return n, nil
	})
	return req, err
}

// stateHolders returns the members that can send a joining member its state: the other servers
// from oldest to newest, then the loggers.
func (m *member) stateHolders(view group.View) []group.MemberID {
	var holders []group.MemberID
	for _, role := range []group.Role{group.RoleServer, group.RoleLogger} {
		for _, other := range view.WithRole(role) {
			if other.ID != m.transport.Self() {
				holders = append(holders, other.ID)
			}
		}
	}
	return holders
}

// fetchState asks holder for the tree as of the view in which this member joined.
func (m *member) fetchState(ctx context.Context, holder group.MemberID, joined dxid.DXID) (*znode.Tree, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StateTimeout)
	defer cancel()

	b, err := m.transport.Query(ctx, holder, group.TagState, encodeStateRequest(stateRequest{view: joined}))
	if err != nil {
		return nil, fmt.Errorf("querying [%s]: %w", holder, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("member [%s] kept no state for view %s", holder, joined)
	}
	snap, err := persistence.DecodeSnapshot(b)
	if err != nil {
		return nil, err
	}
	if snap.Last != joined {
		return nil, fmt.Errorf("member [%s] sent state as of %s, wanted %s", holder, snap.Last, joined)
	}
	return znode.FromEntries(snap.Entries)
}

// releaseState tells holders this member didn't fetch from that they can drop its state.
func (m *member) releaseState(joined dxid.DXID, holders []group.MemberID) {
	payload := encodeStateRequest(stateRequest{view: joined, release: true})
	for _, holder := range holders {
		go func() {
			ctx, cancel := context.WithTimeout(m.ctx, m.opts.StateTimeout)
			defer cancel()
			if _, err := m.transport.Query(ctx, holder, group.TagState, payload); err != nil {
				m.log.WithError(err).WithField("holder", holder).Debug("Failed to release state")
			}
		}()
	}
}

// installViewLocked keeps a copy of the tree whenever a view adds members, so they can ask for the state
// they joined with, and forgets the copies kept for members that are gone.
func (m *member) installViewLocked(v group.View) {
	for id, st := range m.snapshots {
		for joiner := range st.waiting {
			if v.Rank(joiner) == -1 {
				delete(st.waiting, joiner)
			}
		}
		if len(st.waiting) == 0 {
			delete(m.snapshots, id)
		}
	}
	if m.hasState && m.lastView != nil {
		if joiners := m.newMembers(*m.lastView, v); len(joiners) > 0 {
			m.snapshots[v.ID] = &viewState{tree: m.tree().DeepCopy(), waiting: joiners}
		}
	}
	m.lastView = &v
}

func (m *member) newMembers(prev, next group.View) map[group.MemberID]struct{} {
	joiners := map[group.MemberID]struct{}{}
	for _, other := range next.Members {
		if other.ID != m.transport.Self() && prev.Rank(other.ID) == -1 {
			joiners[other.ID] = struct{}{}
		}
	}
	return joiners
}

// takeStateLocked hands out the state kept for joiner at view joined, and forgets it.
func (m *member) takeStateLocked(joined dxid.DXID, joiner group.MemberID) (*znode.Tree, bool) {
	st, ok := m.snapshots[joined]
	if !ok {
		return nil, false
	}
	if _, ok := st.waiting[joiner]; !ok {
		return nil, false
	}
	delete(st.waiting, joiner)
	if len(st.waiting) == 0 {
		delete(m.snapshots, joined)
	}
	return st.tree, true
}

// stateAt returns the tree as it was when view joined was installed.
func (m *member) stateAt(ctx context.Context, joined dxid.DXID, joiner group.MemberID) (*znode.Tree, error) {
	if err := m.waitApplied(ctx, joined); err != nil {
		return nil, err
	}
	m.appliedMu.Lock()
	defer m.appliedMu.Unlock()
	tree, ok := m.takeStateLocked(joined, joiner)
	if !ok {
		return nil, fmt.Errorf("no state kept for [%s] at view %s", joiner, joined)
	}
	return tree, nil
}

// onStateRequest answers a joining member. The state is only available once this member has applied
// the view the joiner was added in, so the wait happens off the calling goroutine. Members without
// state of their own answer at once, so the joiner moves on to the next holder.
func (m *member) onStateRequest(msg *group.Message) {
	req, err := decodeStateRequest(msg.Payload)
	if err != nil {
		msg.Reply(nil)
		return
	}
	logger := m.log.WithFields(logrus.Fields{"to": msg.From, "view": req.view})

	if req.release {
		msg.Reply(nil)
		go func() {
			if err := m.waitApplied(m.ctx, req.view); err != nil {
				return
			}
			m.appliedMu.Lock()
			_, released := m.takeStateLocked(req.view, msg.From)
			m.appliedMu.Unlock()
			if released {
				logger.Debug("Released state")
			}
		}()
		return
	}
	if m.Status() != StatusReady {
		logger.Debug("Not ready to send state")
		msg.Reply(nil)
		return
	}

	go func() {
		ctx, cancel := context.WithCancel(msg.Context())
		defer cancel()
		stop := context.AfterFunc(m.ctx, cancel)
		defer stop()

		tree, err := m.stateAt(ctx, req.view, msg.From)
		if err != nil {
			common.StateTransfers.WithLabelValues("sent", common.Outcome(false)).Inc()
			logger.WithError(err).Warn("Can't send state")
			msg.Reply(nil)
			return
		}
		common.StateTransfers.WithLabelValues("sent", common.Outcome(true)).Inc()
		logger.Info("Sending state")
		msg.Reply(persistence.EncodeSnapshot(persistence.Snapshot{
			Last:    req.view,
			Entries: tree.Entries(),
		}))
	}()
}

// keptStates returns how many views this member keeps a tree for.
func (m *member) keptStates() int {
	m.appliedMu.Lock()
	defer m.appliedMu.Unlock()
	return len(m.snapshots)
}
