package server

import (
	"context"
	"fmt"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/sirupsen/logrus"
)

// Replica is a server of a DwarfKeeper group. Clients send it requests directly. Reads are answered
// from its own tree; writes are broadcast to every server of the group and only succeed if all of them
// applied the write the same way.
type Replica struct {
	*member
	// sem bounds the number of client requests worked on at once.
	sem chan struct{}
}

var _ dwarf.Listener = (*Replica)(nil)

func NewReplica(t group.Transport, opts Options) *Replica {
	r := &Replica{
		member: newMember(t, group.RoleServer, opts),
	}
	r.sem = make(chan struct{}, r.opts.MaxInflight)
	r.applyLocal = r.ApplyLocal
	t.RegisterHandler(group.TagRequest, r.onRequest)
	return r
}

// Start joins the group and gets the replica's state. Clients can only reach the replica once it is
// ready.
func (r *Replica) Start(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		return err
	}
	r.transport.AllowExternalRequests(group.TagRequest)
	r.log.Info("Replica ready")
	return nil
}

func (r *Replica) Stop(ctx context.Context) error {
	return r.stop(ctx)
}

// onRequest hands a client request to a worker so the caller is never blocked by it. A replica that
// already works on MaxInflight requests turns new ones away instead of queueing them.
func (r *Replica) onRequest(msg *group.Message) {
	select {
	case <-r.ctx.Done():
		msg.Reply(dwarf.EncodeStat(dwarf.ErrorStat("Error: server is shutting down")))
		return
	default:
	}
	select {
	case r.sem <- struct{}{}:
	default:
		common.ClientRequests.WithLabelValues("any", "busy").Inc()
		msg.Reply(dwarf.EncodeStat(dwarf.ErrorStat("Error: server is busy")))
		return
	}

	go func() {
		defer func() { <-r.sem }()

		// The request is abandoned when either the client or the replica gives up.
		ctx, cancel := context.WithCancel(msg.Context())
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()

		cmd, err := dwarf.DecodeCommand(msg.Payload)
		if err != nil {
			msg.Reply(dwarf.EncodeStat(dwarf.ErrorStat(fmt.Sprintf("Error: malformed request: %v", err))))
			return
		}
		msg.Reply(dwarf.EncodeStat(r.HandleExternal(ctx, cmd)))
	}()
}

// HandleExternal handles a command sent directly to this replica by a client.
func (r *Replica) HandleExternal(ctx context.Context, cmd dwarf.Command) *dwarf.Stat {
	stat := r.handleExternal(ctx, cmd)
	common.ClientRequests.WithLabelValues(cmd.Op.String(), common.Outcome(!stat.Failed())).Inc()
	return stat
}

func (r *Replica) handleExternal(ctx context.Context, cmd dwarf.Command) *dwarf.Stat {
	op, ok := r.ops[cmd.Op]
	if !ok {
		return dwarf.ErrorStat(fmt.Sprintf("Error: unknown operation %s", cmd.Op))
	}
	// Bad arguments never reach the group.
	args, errStat := parseArgs(cmd, op.minArgs)
	if errStat != nil {
		return errStat
	}
	if !cmd.Op.IsMutating() {
		return op.read(args)
	}
	return r.replicate(ctx, cmd, op, args)
}

// replicate broadcasts a write to the whole group and waits for every server to apply it.
func (r *Replica) replicate(ctx context.Context, cmd dwarf.Command, op opHandler, args []string) *dwarf.Stat {
	if r.opts.BroadcastTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.BroadcastTimeout)
		defer cancel()
	}
	replies, err := r.transport.OrderedBroadcast(ctx, group.RoleServer, group.TagUpdate, dwarf.EncodeCommand(cmd))
	if err != nil {
		r.log.WithError(err).WithField("cmd", cmd).Warn("Broadcast failed")
		return dwarf.ErrorStat(fmt.Sprintf("Error: %s failed: %v", cmd.Op, err))
	}
	return r.aggregate(cmd, op, args, replies)
}

// aggregate decides the reply to a write. It only succeeds if every server succeeded with the same
// result. There is no rollback: servers that did apply the write keep it.
func (r *Replica) aggregate(cmd dwarf.Command, op opHandler, args []string, replies []group.Reply) *dwarf.Stat {
	want := op.echo(args)
	var first *dwarf.Stat
	agree := len(replies) > 0
	for _, reply := range replies {
		stat, err := dwarf.DecodeStat(reply.Payload)
		if err != nil || stat.Failed() || stat.Info != want {
			agree = false
			r.log.WithFields(logrus.Fields{"cmd": cmd, "from": reply.From}).Debug("Server disagreed")
			continue
		}
		if first == nil {
			first = stat
		}
	}
	if !agree {
		common.QuorumFailures.Inc()
		return dwarf.ErrorStat(fmt.Sprintf("Error: not all servers able to %s node %s", op.verb, args[0]))
	}
	return first
}

// ApplyLocal applies a write delivered through the group to the local tree.
func (r *Replica) ApplyLocal(cmd dwarf.Command) *dwarf.Stat {
	stat := r.applyWrite(cmd)
	common.CommandsApplied.WithLabelValues(r.role.String(), cmd.Op.String(), common.Outcome(!stat.Failed())).Inc()
	if stat.Failed() {
		r.log.WithFields(logrus.Fields{"cmd": cmd, "err": stat.Err}).Debug("Write failed locally")
	}
	return stat
}
