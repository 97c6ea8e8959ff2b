package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// allowTimeout bounds the Allow call made by AllowExternalRequests, which has no context of its own.
const allowTimeout = 5 * time.Second

// Dial connects to a hub. Every call on the connection uses the JSON codec of the hub.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing hub %s: %w", addr, err)
	}
	return conn, nil
}

// Member is a group member that reaches its group through a hub. It implements group.Transport.
type Member struct {
	conn grpc.ClientConnInterface
	id   group.MemberID
	role group.Role

	mu       *sync.RWMutex
	handlers map[group.Tag]group.Handler
	viewFns  []func(group.View)
	view     group.View
	// ctx lives from Join until Leave and bounds the subscription and every response.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry
}

var _ group.Transport = (*Member)(nil)

func NewMember(conn grpc.ClientConnInterface, role group.Role, log *logrus.Entry) *Member {
	return &Member{
		conn:     conn,
		id:       group.MemberID(uuid.New().String()),
		role:     role,
		mu:       &sync.RWMutex{},
		handlers: map[group.Tag]group.Handler{},
		log:      log,
	}
}

func (m *Member) Self() group.MemberID {
	return m.id
}

func (m *Member) View() group.View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

func (m *Member) RegisterHandler(tag group.Tag, h group.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tag] = h
}

func (m *Member) OnViewChange(fn func(group.View)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewFns = append(m.viewFns, fn)
}

func (m *Member) Join(ctx context.Context, name string) (group.View, error) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return group.View{}, fmt.Errorf("member [%s] already joined", m.id)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	m.mu.Unlock()

	resp := &JoinResponse{}
	err := m.conn.Invoke(ctx, fullMethod("Join"), &JoinRequest{Group: name, Member: m.id, Role: m.role}, resp)
	if err != nil {
		m.reset()
		return group.View{}, fromStatus(err)
	}
	m.mu.Lock()
	m.view = resp.View
	m.mu.Unlock()

	stream, err := m.conn.NewStream(m.ctx, &hubServiceDesc.Streams[0], fullMethod("Subscribe"))
	if err == nil {
		err = stream.SendMsg(&SubscribeRequest{Member: m.id})
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if err != nil {
		_ = m.conn.Invoke(ctx, fullMethod("Leave"), &LeaveRequest{Member: m.id}, &Empty{})
		m.reset()
		return group.View{}, fmt.Errorf("subscribing: %w", fromStatus(err))
	}
	go m.receive(stream)
	return resp.View, nil
}

func (m *Member) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel()
	m.ctx, m.cancel = nil, nil
}

// receive is the delivery goroutine of the member. It hands every envelope to the registered handlers
// in stream order.
func (m *Member) receive(stream grpc.ClientStream) {
	defer close(m.done)
	for {
		env := &Envelope{}
		err := stream.RecvMsg(env)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.WithError(err).Error("Lost the subscription to the hub")
			}
			return
		}
		switch {
		case env.View != nil:
			m.mu.Lock()
			m.view = *env.View
			fns := slices.Clone(m.viewFns)
			m.mu.Unlock()
			for _, fn := range fns {
				fn(*env.View)
			}
		case env.Message != nil:
			m.deliver(env.Message)
		}
	}
}

func (m *Member) deliver(d *Delivery) {
	token := d.Token
	m.mu.RLock()
	h := m.handlers[d.Tag]
	parent := m.ctx
	m.mu.RUnlock()

	cancel := context.CancelFunc(func() {})
	msg := group.NewMessage(d.ID, d.From, d.Tag, d.Payload, func(b []byte) {
		cancel()
		m.respond(token, b)
	})
	if d.Deadline != nil && parent != nil {
		var ctx context.Context
		ctx, cancel = context.WithDeadline(parent, *d.Deadline)
		msg.WithContext(ctx)
	}
	if h == nil {
		msg.Reply(nil)
		return
	}
	h(msg)
}

func (m *Member) respond(token uint64, payload []byte) {
	req := &RespondRequest{Member: m.id, Token: token, Payload: payload}
	if err := m.conn.Invoke(m.ctx, fullMethod("Respond"), req, &Empty{}); err != nil {
		m.log.WithError(err).WithField("token", token).Warn("Failed to respond")
	}
}

func (m *Member) Leave(ctx context.Context) error {
	m.mu.RLock()
	joined := m.ctx != nil
	m.mu.RUnlock()
	if !joined {
		return group.ErrNotJoined
	}
	err := m.conn.Invoke(ctx, fullMethod("Leave"), &LeaveRequest{Member: m.id}, &Empty{})
	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	if err != nil {
		return fromStatus(err)
	}
	return nil
}

func (m *Member) AllowExternalRequests(tag group.Tag) {
	ctx, cancel := context.WithTimeout(context.Background(), allowTimeout)
	defer cancel()
	if err := m.conn.Invoke(ctx, fullMethod("Allow"), &AllowRequest{Member: m.id, Tag: tag}, &Empty{}); err != nil {
		m.log.WithError(err).WithField("tag", tag).Error("Failed to allow external requests")
	}
}

func (m *Member) OrderedBroadcast(ctx context.Context, targets group.Role, tag group.Tag, payload []byte) ([]group.Reply, error) {
	req := &BroadcastRequest{Member: m.id, Targets: targets, Tag: tag, Payload: payload}
	resp := &BroadcastResponse{}
	if err := m.conn.Invoke(ctx, fullMethod("Broadcast"), req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Replies, nil
}

func (m *Member) Query(ctx context.Context, to group.MemberID, tag group.Tag, payload []byte) ([]byte, error) {
	req := &QueryRequest{Member: m.id, To: to, Tag: tag, Payload: payload}
	resp := &QueryResponse{}
	if err := m.conn.Invoke(ctx, fullMethod("Query"), req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Payload, nil
}
