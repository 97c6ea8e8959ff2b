package hub

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testGroup = "dwarves"

// startHub serves a hub over an in-memory listener and returns a function that dials it.
func startHub(t *testing.T) func() *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(group.NewNetwork(1, common.DiscardLogger()), common.DiscardLogger()).Register(g)
	go func() {
		_ = g.Serve(lis)
	}()
	t.Cleanup(g.Stop)

	return func() *grpc.ClientConn {
		conn, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = conn.Close()
		})
		return conn
	}
}

func joinMember(t *testing.T, conn *grpc.ClientConn, role group.Role, handlers map[group.Tag]group.Handler) *Member {
	m := NewMember(conn, role, common.DiscardLogger())
	for tag, h := range handlers {
		m.RegisterHandler(tag, h)
	}
	_, err := m.Join(context.Background(), testGroup)
	require.NoError(t, err)
	return m
}

func TestHub_BroadcastRepliesFromTargets(t *testing.T) {
	ctx := context.Background()
	conn := startHub(t)()

	var members []*Member
	for i := 0; i < 3; i++ {
		role := group.RoleServer
		if i == 2 {
			role = group.RoleLogger
		}
		var m *Member
		m = joinMember(t, conn, role, map[group.Tag]group.Handler{
			group.TagUpdate: func(msg *group.Message) {
				msg.Reply(append([]byte("ack "), string(m.Self())...))
			},
		})
		members = append(members, m)
	}
	require.Eventually(t, func() bool {
		return members[0].View().Size() == 3
	}, time.Second, 10*time.Millisecond)

	replies, err := members[1].OrderedBroadcast(ctx, group.RoleServer, group.TagUpdate, []byte("hi"))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	for i, reply := range replies {
		assert.Equal(t, members[i].Self(), reply.From)
		assert.Equal(t, "ack "+string(members[i].Self()), string(reply.Payload))
	}

	for _, m := range members {
		require.NoError(t, m.Leave(ctx))
	}
}

func TestHub_JoinReturnsView(t *testing.T) {
	ctx := context.Background()
	conn := startHub(t)()

	first := joinMember(t, conn, group.RoleServer, nil)
	second := NewMember(conn, group.RoleLogger, common.DiscardLogger())
	view, err := second.Join(ctx, testGroup)
	require.NoError(t, err)

	assert.Equal(t, testGroup, view.Group)
	assert.Equal(t, 2, view.Size())
	assert.Equal(t, 0, view.Rank(first.Self()))
	assert.Equal(t, 1, view.Rank(second.Self()))
	assert.Equal(t, group.RoleLogger, view.Members[1].Role)

	_, err = second.Join(ctx, testGroup)
	assert.Error(t, err)
}

func TestHub_ClientQuery(t *testing.T) {
	ctx := context.Background()
	dial := startHub(t)
	client := NewClient(dial(), testGroup)

	_, err := client.Query(ctx, group.TagRequest, []byte("ping"))
	assert.ErrorIs(t, err, group.ErrNoMembers)

	m := joinMember(t, dial(), group.RoleServer, map[group.Tag]group.Handler{
		group.TagRequest: func(msg *group.Message) {
			msg.Reply(append([]byte("pong "), msg.Payload...))
		},
	})

	// Joined, but not yet open to clients.
	_, err = client.Query(ctx, group.TagRequest, []byte("ping"))
	assert.ErrorIs(t, err, group.ErrNoMembers)

	m.AllowExternalRequests(group.TagRequest)
	resp, err := client.Query(ctx, group.TagRequest, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong ping", string(resp))

	view, err := client.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Rank(m.Self()))
}

func TestHub_MemberQuery(t *testing.T) {
	ctx := context.Background()
	conn := startHub(t)()

	holder := joinMember(t, conn, group.RoleServer, map[group.Tag]group.Handler{
		group.TagState: func(msg *group.Message) {
			go msg.Reply(append([]byte("state for "), string(msg.From)...))
		},
	})
	joiner := joinMember(t, conn, group.RoleServer, nil)

	resp, err := joiner.Query(ctx, holder.Self(), group.TagState, nil)
	require.NoError(t, err)
	assert.Equal(t, "state for "+string(joiner.Self()), string(resp))

	_, err = joiner.Query(ctx, "nobody", group.TagState, nil)
	assert.ErrorIs(t, err, group.ErrUnknownMember)

	// The joiner has no handler for state requests, so it answers with nothing.
	resp, err = holder.Query(ctx, joiner.Self(), group.TagState, nil)
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestHub_LeaveAndLostMembers(t *testing.T) {
	ctx := context.Background()
	dial := startHub(t)

	stays := joinMember(t, dial(), group.RoleServer, nil)
	leaves := joinMember(t, dial(), group.RoleServer, nil)
	require.Eventually(t, func() bool { return stays.View().Size() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, leaves.Leave(ctx))
	require.Eventually(t, func() bool { return stays.View().Size() == 1 }, time.Second, 10*time.Millisecond)

	// A member whose connection goes away is removed as well.
	conn := dial()
	lost := joinMember(t, conn, group.RoleLogger, nil)
	require.Eventually(t, func() bool { return stays.View().Size() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return stays.View().Rank(lost.Self()) == -1 }, time.Second, 10*time.Millisecond)

	// Nothing waits on members that are gone.
	replies, err := stays.OrderedBroadcast(ctx, group.RoleServer, group.TagUpdate, []byte("x"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
}

func TestHub_UnreachableHubIsNotAnEmptyGroup(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	require.NoError(t, lis.Close())
	conn, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewClient(conn, testGroup).Query(ctx, group.TagRequest, []byte("ping"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, group.ErrNoMembers)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "no members", err: toStatus(fmt.Errorf("group [g]: %w", group.ErrNoMembers)), expected: group.ErrNoMembers},
		{name: "not joined", err: toStatus(group.ErrNotJoined), expected: group.ErrNotJoined},
		{name: "unknown member", err: toStatus(fmt.Errorf("member [x]: %w", group.ErrUnknownMember)), expected: group.ErrUnknownMember},
		{name: "deadline", err: toStatus(context.DeadlineExceeded), expected: context.DeadlineExceeded},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.ErrorIs(t, fromStatus(test.err), test.expected)
		})
	}

	// Codes grpc produces on its own keep their status.
	unreachable := status.Error(codes.Unavailable, "connection error: dial tcp: connection refused")
	err := fromStatus(unreachable)
	assert.NotErrorIs(t, err, group.ErrNoMembers)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.NotErrorIs(t, fromStatus(status.Error(codes.NotFound, "unknown service")), group.ErrUnknownMember)
}

func TestHub_QueryCarriesDeadline(t *testing.T) {
	conn := startHub(t)()

	deadlines := make(chan bool, 1)
	holder := joinMember(t, conn, group.RoleServer, map[group.Tag]group.Handler{
		group.TagState: func(msg *group.Message) {
			_, ok := msg.Context().Deadline()
			deadlines <- ok
			msg.Reply(nil)
		},
	})
	joiner := joinMember(t, conn, group.RoleServer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := joiner.Query(ctx, holder.Self(), group.TagState, nil)
	require.NoError(t, err)
	assert.True(t, <-deadlines)
}

func TestHub_UnknownSessionIsNotJoined(t *testing.T) {
	conn := startHub(t)()
	m := joinMember(t, conn, group.RoleServer, nil)
	require.NoError(t, m.Leave(context.Background()))

	// The hub no longer knows the member.
	err := conn.Invoke(context.Background(), fullMethod("Allow"), &AllowRequest{Member: m.Self(), Tag: group.TagRequest}, &Empty{})
	assert.ErrorIs(t, fromStatus(err), group.ErrNotJoined)
}
