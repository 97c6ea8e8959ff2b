// Package hub runs the group layer as a gRPC service. A single hub process sequences every group, and
// replicas, loggers and clients reach it over the network.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/session"
	"github.com/mikekulinski/dwarfkeeper/pkg/utils"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server is the hub. Every remote member is an endpoint of an in-process group.Network whose deliveries
// are streamed to the member.
type Server struct {
	net     *group.Network
	remotes *xsync.MapOf[group.MemberID, *remote]
	buffer  int
	log     *logrus.Entry
}

type remote struct {
	endpoint *group.Endpoint
	sess     *session.Session
	dropped  atomic.Bool
}

var _ HubServer = (*Server)(nil)

func NewServer(net *group.Network, log *logrus.Entry) *Server {
	return &Server{
		net:     net,
		remotes: xsync.NewMapOf[group.MemberID, *remote](),
		buffer:  session.DefaultBuffer,
		log:     log,
	}
}

// Register adds the hub service to s.
func (s *Server) Register(g *grpc.Server) {
	RegisterHubServer(g, s)
}

func (s *Server) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if req.Member == "" || req.Group == "" {
		return nil, status.Error(codes.InvalidArgument, "member and group are required")
	}
	member := group.Member{ID: req.Member, Role: req.Role}
	r := &remote{
		endpoint: s.net.Endpoint(req.Member, req.Role),
		sess:     session.NewSession(member, req.Group, s.buffer),
	}
	if _, loaded := s.remotes.LoadOrStore(req.Member, r); loaded {
		return nil, status.Errorf(codes.AlreadyExists, "member [%s] already joined", req.Member)
	}
	for _, tag := range []group.Tag{group.TagUpdate, group.TagRequest, group.TagState} {
		r.endpoint.RegisterHandler(tag, r.sess.Deliver)
	}
	r.endpoint.OnViewChange(r.sess.DeliverView)

	view, err := r.endpoint.Join(ctx, req.Group)
	if err != nil {
		s.remotes.Delete(req.Member)
		return nil, toStatus(err)
	}
	s.updateMembers(req.Group)
	s.log.WithFields(logrus.Fields{
		"group":  req.Group,
		"member": req.Member,
		"role":   req.Role,
		"view":   view.ID,
	}).Info("Member joined")
	return &JoinResponse{View: view}, nil
}

// Subscribe streams the deliveries of a member until it leaves or the stream breaks. A broken stream
// counts as leaving the group.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	r, err := s.remote(req.Member)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		select {
		case ev := <-r.sess.Events:
			if err := stream.SendMsg(envelope(ev)); err != nil {
				s.drop(ctx, r, "send failed")
				return err
			}
		case <-r.sess.Done():
			return nil
		case <-ctx.Done():
			s.drop(context.Background(), r, "stream closed")
			return ctx.Err()
		}
	}
}

func envelope(ev *session.Event) *Envelope {
	if ev.View != nil {
		return &Envelope{View: ev.View}
	}
	d := &Delivery{
		Token:   ev.Token,
		ID:      ev.Message.ID,
		From:    ev.Message.From,
		Tag:     ev.Message.Tag,
		Payload: ev.Message.Payload,
	}
	if deadline, ok := ev.Message.Context().Deadline(); ok {
		d.Deadline = &deadline
	}
	return &Envelope{Message: d}
}

func (s *Server) Respond(_ context.Context, req *RespondRequest) (*Empty, error) {
	r, err := s.remote(req.Member)
	if err != nil {
		return nil, err
	}
	if !r.sess.Respond(req.Token, req.Payload) {
		s.log.WithFields(logrus.Fields{"member": req.Member, "token": req.Token}).Debug("Dropping late response")
	}
	return &Empty{}, nil
}

func (s *Server) Broadcast(ctx context.Context, req *BroadcastRequest) (*BroadcastResponse, error) {
	r, err := s.remote(req.Member)
	if err != nil {
		return nil, err
	}
	replies, err := r.endpoint.OrderedBroadcast(ctx, req.Targets, req.Tag, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BroadcastResponse{Replies: replies}, nil
}

// Query serves both queries between members and client requests to a group.
func (s *Server) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	var (
		payload []byte
		err     error
	)
	if req.Member != "" {
		r, rerr := s.remote(req.Member)
		if rerr != nil {
			return nil, rerr
		}
		payload, err = r.endpoint.Query(ctx, req.To, req.Tag, req.Payload)
	} else {
		clientID, _ := utils.ExtractClientIDHeader(ctx)
		s.log.WithFields(logrus.Fields{"group": req.Group, "client": clientID}).Debug("Client request")
		payload, err = s.net.Client(req.Group).Query(ctx, req.Tag, req.Payload)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueryResponse{Payload: payload}, nil
}

func (s *Server) Allow(_ context.Context, req *AllowRequest) (*Empty, error) {
	r, err := s.remote(req.Member)
	if err != nil {
		return nil, err
	}
	r.endpoint.AllowExternalRequests(req.Tag)
	return &Empty{}, nil
}

func (s *Server) Leave(ctx context.Context, req *LeaveRequest) (*Empty, error) {
	r, err := s.remote(req.Member)
	if err != nil {
		return nil, err
	}
	if err := s.drop(ctx, r, "left"); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) GetView(_ context.Context, req *GetViewRequest) (*JoinResponse, error) {
	view, ok := s.net.View(req.Group)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "group [%s] has no members", req.Group)
	}
	return &JoinResponse{View: view}, nil
}

func (s *Server) remote(id group.MemberID) (*remote, error) {
	r, ok := s.remotes.Load(id)
	if !ok {
		return nil, toStatus(fmt.Errorf("member [%s]: %w", id, group.ErrNotJoined))
	}
	return r, nil
}

// drop removes a remote member from its group. Only the first call for a member has any effect.
func (s *Server) drop(ctx context.Context, r *remote, reason string) error {
	if !r.dropped.CompareAndSwap(false, true) {
		return nil
	}
	// A member that joined again under the same id keeps its new entry.
	s.remotes.Compute(r.sess.Member.ID, func(cur *remote, loaded bool) (*remote, bool) {
		return cur, !loaded || cur == r
	})
	r.sess.Close()
	err := r.endpoint.Leave(ctx)
	s.updateMembers(r.sess.Group)
	s.log.WithFields(logrus.Fields{
		"group":  r.sess.Group,
		"member": r.sess.Member.ID,
		"reason": reason,
	}).Info("Member left")
	return err
}

func (s *Server) updateMembers(name string) {
	size := 0
	if view, ok := s.net.View(name); ok {
		size = view.Size()
	}
	common.HubMembers.WithLabelValues(name).Set(float64(size))
}

// toStatus maps group errors to grpc status codes so the dialers can map them back.
func toStatus(err error) error {
	code := codes.Unknown
	switch {
	case errors.Is(err, group.ErrNotJoined):
		code = codes.FailedPrecondition
	case errors.Is(err, group.ErrNoMembers):
		code = codes.Unavailable
	case errors.Is(err, group.ErrUnknownMember):
		code = codes.NotFound
	case errors.Is(err, group.ErrNoHandler):
		code = codes.Unimplemented
	case errors.Is(err, group.ErrClosed):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// statusSentinels maps the codes toStatus produces back to the errors they came from.
var statusSentinels = map[codes.Code]error{
	codes.FailedPrecondition: group.ErrNotJoined,
	codes.Unavailable:        group.ErrNoMembers,
	codes.NotFound:           group.ErrUnknownMember,
	codes.Unimplemented:      group.ErrNoHandler,
	codes.Aborted:            group.ErrClosed,
	codes.DeadlineExceeded:   context.DeadlineExceeded,
	codes.Canceled:           context.Canceled,
}

// fromStatus is the inverse of toStatus. grpc uses the same codes for its own failures, e.g.
// Unavailable for a hub that can't be reached, so a code only maps back when the message carries the
// error toStatus was given.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	sentinel, ok := statusSentinels[st.Code()]
	if !ok || !strings.Contains(st.Message(), sentinel.Error()) {
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
