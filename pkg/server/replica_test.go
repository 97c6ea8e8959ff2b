package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/client"
	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	mock_group "github.com/mikekulinski/dwarfkeeper/pkg/group/mocks"
	"github.com/mikekulinski/dwarfkeeper/pkg/persistence"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// startReplica starts a server on net and stops it when the test ends.
func startReplica(t *testing.T, net *group.Network) *Replica {
	r := NewReplica(net.Member(group.RoleServer), Options{Log: common.DiscardLogger()})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		_ = r.Stop(context.Background())
	})
	return r
}

func startReplicas(t *testing.T, n int) (*group.Network, []*Replica) {
	net := group.NewNetwork(1, common.DiscardLogger())
	replicas := make([]*Replica, n)
	for i := range replicas {
		replicas[i] = startReplica(t, net)
	}
	return net, replicas
}

// shape describes a tree by what every member must agree on. Times are local to each member.
func shape(tree *znode.Tree) []string {
	var nodes []string
	for _, e := range tree.Entries() {
		nodes = append(nodes, fmt.Sprintf("%s=%s@%s", e.Path, e.Data, e.Dxid))
	}
	return nodes
}

// requireConverged waits until every member applied everything the first one did and compares their
// trees.
func requireConverged(t *testing.T, members ...interface {
	Tree() *znode.Tree
	LastApplied() dxid.DXID
}) {
	require.Eventually(t, func() bool {
		for _, m := range members[1:] {
			if m.LastApplied() != members[0].LastApplied() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	want := shape(members[0].Tree())
	for _, m := range members[1:] {
		assert.Equal(t, want, shape(m.Tree()))
	}
}

func TestReplica_Scenarios(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 3)
	c := client.NewClient(net.Client(DefaultGroup))

	stat, err := c.Create(ctx, "/a", "GROOMP")
	require.NoError(t, err)
	assert.Equal(t, "/a", stat.Info)
	for _, r := range replicas {
		node, ok := r.Tree().Stat("/a", znode.StatData)
		require.True(t, ok)
		assert.Equal(t, "GROOMP", node.Data)
	}

	stat, err = c.GetNode(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "GROOMP", stat.Data)
	created := stat.MTime

	stat, err = c.Create(ctx, "/x/y", "data")
	require.NoError(t, err)
	assert.Equal(t, "Error: not all servers able to create node /x/y", stat.Err)

	stat, err = c.SetNode(ctx, "/a", "B")
	require.NoError(t, err)
	assert.Equal(t, "B", stat.Info)
	stat, err = c.GetNode(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "B", stat.Data)
	assert.True(t, stat.MTime.After(created))

	stat, err = c.SetNode(ctx, "/nope", "B")
	require.NoError(t, err)
	assert.Equal(t, "Error: not all servers able to set node /nope", stat.Err)

	_, err = c.Create(ctx, "/a/c", "C")
	require.NoError(t, err)
	stat, err = c.GetChildren(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "a", stat.Info)
	stat, err = c.GetChildren2(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, stat.Children())
	stat, err = c.GetNodeAll(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "B", stat.Data)
	assert.Equal(t, 1, stat.NumChildren)

	stat, err = c.Exists(ctx, "/nope")
	require.NoError(t, err)
	assert.Equal(t, "/nope does not exist", stat.Err)

	stat, err = c.Test(ctx, "anyone home")
	require.NoError(t, err)
	assert.Equal(t, "0xDEADWARF-TEST", stat.Info)

	stat, err = c.Create(ctx, "/only-a-path", "")
	require.NoError(t, err)
	assert.Equal(t, "Too few arguments provided to create.", stat.Err)

	stat, err = c.Delete(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "/a", stat.Info)
	stat, err = c.GetNode(ctx, "/a/c")
	require.NoError(t, err)
	assert.Equal(t, "Get Failed.", stat.Err)

	stat, err = c.Delete(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "Error: not all servers able to delete node /a", stat.Err)

	requireConverged(t, replicas[0], replicas[1], replicas[2])
}

func TestReplica_ConcurrentWritesConverge(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 3)

	const writers, writes = 4, 20
	wg := &sync.WaitGroup{}
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := client.NewClient(net.Client(DefaultGroup))
			for i := 0; i < writes; i++ {
				path := fmt.Sprintf("/w%d-%d", w, i)
				stat, err := c.Create(ctx, path, "v")
				assert.NoError(t, err)
				assert.Equal(t, path, stat.Info)
				// Every writer also fights over the same node.
				_, err = c.Create(ctx, "/shared", fmt.Sprintf("w%d", w))
				assert.NoError(t, err)
				_, err = c.SetNode(ctx, "/shared", fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	requireConverged(t, replicas[0], replicas[1], replicas[2])
	assert.Equal(t, writers*writes+1, replicas[0].Tree().Len())
}

func TestReplica_NoRollbackWhenServersDisagree(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 3)
	c := client.NewClient(net.Client(DefaultGroup))

	// Only one replica already has the node, so its create fails while the others succeed.
	require.True(t, replicas[1].tree().AddNode("/dup", "x"))

	stat, err := c.Create(ctx, "/dup", "y")
	require.NoError(t, err)
	assert.Equal(t, "Error: not all servers able to create node /dup", stat.Err)

	for i, want := range []string{"y", "x", "y"} {
		node, ok := replicas[i].Tree().Stat("/dup", znode.StatData)
		require.True(t, ok)
		assert.Equal(t, want, node.Data)
	}
}

func TestReplica_StateTransfer(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 2)
	c := client.NewClient(net.Client(DefaultGroup))

	for _, path := range []string{"/a", "/a/b", "/c"} {
		stat, err := c.Create(ctx, path, "data "+path)
		require.NoError(t, err)
		require.False(t, stat.Failed(), stat.Err)
	}

	late := startReplica(t, net)
	assert.Equal(t, StatusReady, late.Status())
	requireConverged(t, replicas[0], replicas[1], late)

	// The new replica takes part in every later write.
	stat, err := c.SetNode(ctx, "/a/b", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", stat.Info)
	requireConverged(t, replicas[0], replicas[1], late)
	node, ok := late.Tree().Stat("/a/b", znode.StatData)
	require.True(t, ok)
	assert.Equal(t, "new", node.Data)
}

func TestReplica_StateTransferUnderLoad(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 1)
	c := client.NewClient(net.Client(DefaultGroup))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, err := c.Create(ctx, fmt.Sprintf("/n%d", i), "v")
			assert.NoError(t, err)
		}
	}()

	joined := []*Replica{replicas[0]}
	for i := 0; i < 3; i++ {
		joined = append(joined, startReplica(t, net))
	}
	close(stop)
	<-done

	requireConverged(t, joined[0], joined[1], joined[2], joined[3])
}

func TestReplica_StopClosesToClients(t *testing.T) {
	ctx := context.Background()
	net := group.NewNetwork(1, common.DiscardLogger())
	r := NewReplica(net.Member(group.RoleServer), Options{})
	assert.Equal(t, StatusJoining, r.Status())
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StatusReady, r.Status())

	c := client.NewClient(net.Client(DefaultGroup))
	_, err := c.Create(ctx, "/a", "x")
	require.NoError(t, err)

	require.NoError(t, r.Stop(ctx))
	_, err = c.GetNode(ctx, "/a")
	assert.ErrorIs(t, err, group.ErrNoMembers)
}

// newMockReplica returns a replica whose transport is a mock. The mock accepts the calls every
// replica makes when it is created.
func newMockReplica(t *testing.T) (*Replica, *mock_group.MockTransport) {
	ctrl := gomock.NewController(t)
	transport := mock_group.NewMockTransport(ctrl)
	transport.EXPECT().Self().Return(group.MemberID("m1")).AnyTimes()
	transport.EXPECT().RegisterHandler(gomock.Any(), gomock.Any()).AnyTimes()
	transport.EXPECT().OnViewChange(gomock.Any()).AnyTimes()
	return NewReplica(transport, Options{}), transport
}

func TestReplica_ArgumentErrorsNeverBroadcast(t *testing.T) {
	ctx := context.Background()
	r, transport := newMockReplica(t)
	transport.EXPECT().OrderedBroadcast(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	tests := []struct {
		cmd         dwarf.Command
		expectedErr string
	}{
		{cmd: dwarf.NewCommand(dwarf.CREATE), expectedErr: "Malformed/empty arguments to create."},
		{cmd: dwarf.NewCommand(dwarf.CREATE, "/a"), expectedErr: "Too few arguments provided to create."},
		{cmd: dwarf.NewCommand(dwarf.SET_NODE, "/a"), expectedErr: "Too few arguments provided to setNode."},
		{cmd: dwarf.Command{Op: dwarf.DELETE, Args: "   "}, expectedErr: "Malformed/empty arguments to delete."},
		{cmd: dwarf.Command{Op: dwarf.OpCode(99), Args: "/a"}, expectedErr: "Error: unknown operation OpCode(99)"},
	}
	for _, test := range tests {
		t.Run(test.cmd.String(), func(t *testing.T) {
			stat := r.HandleExternal(ctx, test.cmd)
			assert.Equal(t, test.expectedErr, stat.Err)
		})
	}
}

func TestReplica_Aggregate(t *testing.T) {
	ok := func(info string) []byte {
		return dwarf.EncodeStat(dwarf.InfoStat(info))
	}
	tests := []struct {
		name        string
		cmd         dwarf.Command
		replies     []group.Reply
		expected    string
		expectedErr string
	}{
		{
			name:     "all agree on create",
			cmd:      dwarf.NewCommand(dwarf.CREATE, "/a", "x"),
			replies:  []group.Reply{{From: "m1", Payload: ok("/a")}, {From: "m2", Payload: ok("/a")}},
			expected: "/a",
		},
		{
			name:     "all agree on set",
			cmd:      dwarf.NewCommand(dwarf.SET_NODE, "/a", "B"),
			replies:  []group.Reply{{From: "m1", Payload: ok("B")}, {From: "m2", Payload: ok("B")}},
			expected: "B",
		},
		{
			name: "one server failed",
			cmd:  dwarf.NewCommand(dwarf.CREATE, "/a", "x"),
			replies: []group.Reply{
				{From: "m1", Payload: ok("/a")},
				{From: "m2", Payload: dwarf.EncodeStat(dwarf.ErrorStat("Error: Failed to create node /a, with data x"))},
			},
			expectedErr: "Error: not all servers able to create node /a",
		},
		{
			name:        "wrong echo",
			cmd:         dwarf.NewCommand(dwarf.DELETE, "/a"),
			replies:     []group.Reply{{From: "m1", Payload: ok("/a")}, {From: "m2", Payload: ok("/b")}},
			expectedErr: "Error: not all servers able to delete node /a",
		},
		{
			name:        "empty reply",
			cmd:         dwarf.NewCommand(dwarf.SET_NODE, "/a", "B"),
			replies:     []group.Reply{{From: "m1", Payload: nil}},
			expectedErr: "Error: not all servers able to set node /a",
		},
		{
			name:        "undecodable reply",
			cmd:         dwarf.NewCommand(dwarf.DELETE, "/a"),
			replies:     []group.Reply{{From: "m1", Payload: []byte{0xff}}},
			expectedErr: "Error: not all servers able to delete node /a",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.Background()
			r, transport := newMockReplica(t)
			transport.EXPECT().
				OrderedBroadcast(gomock.Any(), group.RoleServer, group.TagUpdate, dwarf.EncodeCommand(test.cmd)).
				Return(test.replies, nil)

			stat := r.HandleExternal(ctx, test.cmd)
			assert.Equal(t, test.expectedErr, stat.Err)
			assert.Equal(t, test.expected, stat.Info)
		})
	}
}

func TestReplica_BroadcastFailure(t *testing.T) {
	ctx := context.Background()
	r, transport := newMockReplica(t)
	transport.EXPECT().
		OrderedBroadcast(gomock.Any(), group.RoleServer, group.TagUpdate, gomock.Any()).
		Return(nil, group.ErrNotJoined)

	stat := r.HandleExternal(ctx, dwarf.NewCommand(dwarf.DELETE, "/a"))
	assert.Equal(t, "Error: delete failed: not joined to a group", stat.Err)
}

func TestReplica_BroadcastTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mock_group.NewMockTransport(ctrl)
	transport.EXPECT().Self().Return(group.MemberID("m1")).AnyTimes()
	transport.EXPECT().RegisterHandler(gomock.Any(), gomock.Any()).AnyTimes()
	transport.EXPECT().OnViewChange(gomock.Any()).AnyTimes()
	r := NewReplica(transport, Options{BroadcastTimeout: 20 * time.Millisecond})

	transport.EXPECT().
		OrderedBroadcast(gomock.Any(), group.RoleServer, group.TagUpdate, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ group.Role, _ group.Tag, _ []byte) ([]group.Reply, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	stat := r.HandleExternal(context.Background(), dwarf.NewCommand(dwarf.CREATE, "/a", "x"))
	assert.Equal(t, "Error: create failed: context deadline exceeded", stat.Err)
}

// unreachableHolders is a transport whose queries never reach anyone.
type unreachableHolders struct {
	group.Transport
}

func (unreachableHolders) Query(context.Context, group.MemberID, group.Tag, []byte) ([]byte, error) {
	return nil, errors.New("holder unreachable")
}

func TestReplica_FailedStateTransferLeavesGroup(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 1)
	c := client.NewClient(net.Client(DefaultGroup))
	_, err := c.Create(ctx, "/a", "x")
	require.NoError(t, err)

	joiner := NewReplica(unreachableHolders{net.Member(group.RoleServer)}, Options{StateTimeout: 50 * time.Millisecond})
	require.Error(t, joiner.Start(ctx))
	assert.NotEqual(t, StatusReady, joiner.Status())

	view, ok := net.View(DefaultGroup)
	require.True(t, ok)
	assert.Equal(t, 1, view.Size())

	// Writes only wait on the servers that are left.
	stat, err := c.Create(ctx, "/b", "y")
	require.NoError(t, err)
	assert.Equal(t, "/b", stat.Info)

	// The state kept for the joiner goes away with it.
	require.Eventually(t, func() bool {
		return replicas[0].keptStates() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, joiner.Stop(ctx))
}

func TestReplica_ConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	net, replicas := startReplicas(t, 1)
	c := client.NewClient(net.Client(DefaultGroup))
	for _, path := range []string{"/a", "/a/b", "/c"} {
		_, err := c.Create(ctx, path, "data "+path)
		require.NoError(t, err)
	}

	const joiners = 10
	members := []*Replica{replicas[0]}
	for i := 0; i < joiners; i++ {
		r := NewReplica(net.Member(group.RoleServer), Options{Log: common.DiscardLogger()})
		t.Cleanup(func() {
			_ = r.Stop(context.Background())
		})
		members = append(members, r)
	}

	wg := &sync.WaitGroup{}
	for _, r := range members[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Start(ctx))
		}()
	}
	wg.Wait()

	for _, r := range members {
		assert.Equal(t, StatusReady, r.Status())
	}
	stat, err := c.SetNode(ctx, "/a/b", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", stat.Info)

	converged := make([]interface {
		Tree() *znode.Tree
		LastApplied() dxid.DXID
	}, len(members))
	for i, r := range members {
		converged[i] = r
	}
	requireConverged(t, converged...)

	// Every joiner got its state from someone, so nobody keeps a copy for it any longer.
	require.Eventually(t, func() bool {
		for _, r := range members {
			if r.keptStates() != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMember_StateRequests(t *testing.T) {
	request := func(m *member, ctx context.Context, req stateRequest) chan []byte {
		replies := make(chan []byte, 1)
		m.onStateRequest(group.NewMessage(dxid.Zero, "joiner", group.TagState, encodeStateRequest(req), func(b []byte) {
			replies <- b
		}).WithContext(ctx))
		return replies
	}
	requireReply := func(t *testing.T, replies chan []byte) []byte {
		select {
		case b := <-replies:
			return b
		case <-time.After(time.Second):
			require.FailNow(t, "no reply to the state request")
			return nil
		}
	}

	t.Run("not ready", func(t *testing.T) {
		m := newTestMember()
		assert.Nil(t, requireReply(t, request(m, context.Background(), stateRequest{view: dxid.NewDXID(1, 1)})))
	})

	t.Run("joiner gave up", func(t *testing.T) {
		m := newTestMember()
		m.setStatus(StatusReady)
		ctx, cancel := context.WithCancel(context.Background())
		replies := request(m, ctx, stateRequest{view: dxid.NewDXID(1, 99)})
		cancel()
		assert.Nil(t, requireReply(t, replies))
	})

	t.Run("fetch then release", func(t *testing.T) {
		m := newTestMember()
		m.setStatus(StatusReady)
		require.True(t, m.tree().AddNode("/a", "x"))

		seed := group.View{ID: dxid.NewDXID(1, 1), Members: []group.Member{{ID: m.transport.Self(), Role: group.RoleServer}}}
		joined := group.View{ID: dxid.NewDXID(1, 2), Members: append(slices.Clone(seed.Members),
			group.Member{ID: "joiner", Role: group.RoleServer},
			group.Member{ID: "other", Role: group.RoleServer},
		)}
		m.appliedMu.Lock()
		m.hasState = true
		m.lastView = &seed
		m.installViewLocked(joined)
		m.lastApplied = joined.ID
		m.appliedMu.Unlock()
		require.Equal(t, 1, m.keptStates())

		b := requireReply(t, request(m, context.Background(), stateRequest{view: joined.ID}))
		snap, err := persistence.DecodeSnapshot(b)
		require.NoError(t, err)
		assert.Equal(t, joined.ID, snap.Last)
		require.Len(t, snap.Entries, 1)
		assert.Equal(t, "/a", snap.Entries[0].Path)

		// A second fetch finds nothing, but the state stays for the other joiner.
		assert.Nil(t, requireReply(t, request(m, context.Background(), stateRequest{view: joined.ID})))
		assert.Equal(t, 1, m.keptStates())

		m.onStateRequest(group.NewMessage(dxid.Zero, "other", group.TagState,
			encodeStateRequest(stateRequest{view: joined.ID, release: true}), nil))
		require.Eventually(t, func() bool {
			return m.keptStates() == 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestReplica_BusyRequestsAreTurnedAway(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mock_group.NewMockTransport(ctrl)
	transport.EXPECT().Self().Return(group.MemberID("m1")).AnyTimes()
	transport.EXPECT().RegisterHandler(gomock.Any(), gomock.Any()).AnyTimes()
	transport.EXPECT().OnViewChange(gomock.Any()).AnyTimes()
	r := NewReplica(transport, Options{MaxInflight: 1})

	release := make(chan struct{})
	transport.EXPECT().
		OrderedBroadcast(gomock.Any(), group.RoleServer, group.TagUpdate, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ group.Role, _ group.Tag, _ []byte) ([]group.Reply, error) {
			<-release
			return []group.Reply{{From: "m1", Payload: dwarf.EncodeStat(dwarf.InfoStat("/a"))}}, nil
		})

	send := func() chan *dwarf.Stat {
		replies := make(chan *dwarf.Stat, 1)
		r.onRequest(group.NewMessage(dxid.Zero, "client", group.TagRequest,
			dwarf.EncodeCommand(dwarf.NewCommand(dwarf.CREATE, "/a", "x")), func(b []byte) {
				stat, err := dwarf.DecodeStat(b)
				assert.NoError(t, err)
				replies <- stat
			}))
		return replies
	}

	first := send()
	// The second request is answered right away, without a worker.
	assert.Equal(t, "Error: server is busy", (<-send()).Err)

	close(release)
	assert.Equal(t, "/a", (<-first).Info)
}

func TestReplica_RequestFollowsClientContext(t *testing.T) {
	r, transport := newMockReplica(t)
	transport.EXPECT().
		OrderedBroadcast(gomock.Any(), group.RoleServer, group.TagUpdate, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ group.Role, _ group.Tag, _ []byte) ([]group.Reply, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	replies := make(chan []byte, 1)
	r.onRequest(group.NewMessage(dxid.Zero, "client", group.TagRequest,
		dwarf.EncodeCommand(dwarf.NewCommand(dwarf.CREATE, "/a", "x")), func(b []byte) {
			replies <- b
		}).WithContext(ctx))
	cancel()

	select {
	case b := <-replies:
		stat, err := dwarf.DecodeStat(b)
		require.NoError(t, err)
		assert.Equal(t, "Error: create failed: context canceled", stat.Err)
	case <-time.After(time.Second):
		require.FailNow(t, "request kept running after the client gave up")
	}
}
