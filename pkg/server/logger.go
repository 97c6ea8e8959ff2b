package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/persistence"
	"github.com/mikekulinski/dwarfkeeper/pkg/znode"
	"github.com/sirupsen/logrus"
)

// LogReplica follows the writes of a group without ever answering clients. It keeps its own copy of
// the tree and writes every batch of writes, together with a snapshot of the tree, to durable storage.
// Its replies to writes are never waited on by the servers.
type LogReplica struct {
	*member
	store persistence.Persister

	// backlogMu protects backlog and seq. It is only ever taken after appliedMu.
	backlogMu *sync.Mutex
	backlog   []dwarf.Command
	seq       uint64

	// writes feeds the writer goroutine, which persists batches in sequence order. Batches are only
	// queued with appliedMu held, so their order matches their sequence numbers. When it is full,
	// applying waits for the writer.
	writes     chan batch
	persistWG  *sync.WaitGroup
	closeOnce  sync.Once
	writerDone chan struct{}
}

// persistQueue is how many batches can wait for the writer.
const persistQueue = 64

// batch is one log record and the snapshot taken right after its last command.
type batch struct {
	seq      uint64
	last     dxid.DXID
	commands []dwarf.Command
	tree     *znode.Tree
}

var _ dwarf.Listener = (*LogReplica)(nil)

func NewLogReplica(t group.Transport, store persistence.Persister, opts Options) *LogReplica {
	l := &LogReplica{
		member:     newMember(t, group.RoleLogger, opts),
		store:      store,
		backlogMu:  &sync.Mutex{},
		writes:     make(chan batch, persistQueue),
		persistWG:  &sync.WaitGroup{},
		writerDone: make(chan struct{}),
	}
	l.applyLocal = l.ApplyLocal
	go l.writeLoop()
	return l
}

// Start recovers whatever the store holds, then joins the group. If servers are already running,
// their state replaces the recovered one.
func (l *LogReplica) Start(ctx context.Context) error {
	if err := l.recover(); err != nil {
		return fmt.Errorf("recovering: %w", err)
	}
	if err := l.start(ctx); err != nil {
		return err
	}
	l.log.Info("Logger ready")
	return nil
}

// Stop leaves the group, writes out the partial backlog and waits for every write to finish.
func (l *LogReplica) Stop(ctx context.Context) error {
	err := l.stop(ctx)
	if ferr := l.Flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	l.closeOnce.Do(func() {
		close(l.writes)
	})
	select {
	case <-l.writerDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// HandleExternal always fails. Loggers never allow client requests.
func (l *LogReplica) HandleExternal(_ context.Context, cmd dwarf.Command) *dwarf.Stat {
	return dwarf.ErrorStat(fmt.Sprintf("Error: loggers don't serve %s", cmd.Op))
}

// ApplyLocal applies a write delivered through the group and records it in the backlog.
func (l *LogReplica) ApplyLocal(cmd dwarf.Command) *dwarf.Stat {
	stat := l.applyWrite(cmd)
	common.CommandsApplied.WithLabelValues(l.role.String(), cmd.Op.String(), common.Outcome(!stat.Failed())).Inc()
	if !stat.Failed() {
		l.record(cmd)
	}
	return stat
}

func (l *LogReplica) record(cmd dwarf.Command) {
	l.backlogMu.Lock()
	l.backlog = append(l.backlog, cmd)
	if len(l.backlog) < l.opts.BatchSize {
		l.backlogMu.Unlock()
		return
	}
	b := l.swapLocked()
	l.backlogMu.Unlock()
	l.persist(b)
}

// swapLocked replaces the backlog with a fresh one and turns the old one into the next batch.
func (l *LogReplica) swapLocked() batch {
	l.seq++
	b := batch{
		seq:      l.seq,
		last:     l.backlog[len(l.backlog)-1].Dxid,
		commands: l.backlog,
		tree:     l.tree().DeepCopy(),
	}
	l.backlog = nil
	return b
}

// persist hands a batch to the writer. The caller holds appliedMu.
func (l *LogReplica) persist(b batch) {
	l.persistWG.Add(1)
	common.PersistQueueDepth.WithLabelValues(string(l.transport.Self())).Inc()
	select {
	case l.writes <- b:
	default:
		l.log.WithField("seq", b.seq).Warn("Persist queue is full, waiting for the writer")
		l.writes <- b
	}
}

func (l *LogReplica) writeLoop() {
	defer close(l.writerDone)
	depth := common.PersistQueueDepth.WithLabelValues(string(l.transport.Self()))
	for b := range l.writes {
		depth.Dec()
		l.write(b)
		l.persistWG.Done()
	}
}

// write persists a batch. Failed writes are logged and dropped.
func (l *LogReplica) write(b batch) {
	logger := l.log.WithFields(logrus.Fields{"seq": b.seq, "last": b.last})

	err := l.store.AppendLog(persistence.LogRecord{
		Seq:      b.seq,
		Last:     b.last,
		Commands: b.commands,
	})
	common.PersistWrites.WithLabelValues("log", common.Outcome(err == nil)).Inc()
	if err != nil {
		logger.WithError(err).Error("Failed to append to the log")
	}

	err = l.store.WriteSnapshot(persistence.Snapshot{
		Seq:     b.seq,
		Last:    b.last,
		Entries: b.tree.Entries(),
	})
	common.PersistWrites.WithLabelValues("snapshot", common.Outcome(err == nil)).Inc()
	if err != nil {
		logger.WithError(err).Error("Failed to write the snapshot")
		return
	}
	logger.WithField("commands", len(b.commands)).Debug("Persisted batch")
}

// Flush writes out the backlog even if it isn't full and waits until every batch is persisted.
func (l *LogReplica) Flush(ctx context.Context) error {
	l.appliedMu.Lock()
	l.backlogMu.Lock()
	var pending *batch
	if len(l.backlog) > 0 {
		b := l.swapLocked()
		pending = &b
	}
	l.backlogMu.Unlock()
	// Queued before appliedMu is released, so no later batch can overtake it.
	if pending != nil {
		l.persist(*pending)
	}
	l.appliedMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recover rebuilds the tree from the latest snapshot and the log records written after it.
func (l *LogReplica) recover() error {
	loader, ok := l.store.(persistence.Loader)
	if !ok {
		return nil
	}
	snap, found, err := loader.LoadSnapshot()
	if err != nil {
		return err
	}
	tree := znode.NewTree()
	var last dxid.DXID
	if found {
		tree, err = znode.FromEntries(snap.Entries)
		if err != nil {
			return fmt.Errorf("rebuilding snapshot %d: %w", snap.Seq, err)
		}
		last = snap.Last
	}
	recs, err := loader.ReadLog()
	if err != nil {
		if !errors.Is(err, persistence.ErrCorrupt) {
			return err
		}
		l.log.WithError(err).Warn("Ignoring the unreadable tail of the log")
	}

	l.current.Store(tree)
	replayed := 0
	for _, rec := range recs {
		for _, cmd := range rec.Commands {
			// The snapshot already holds everything up to its last command.
			if cmd.Dxid <= last {
				continue
			}
			if stat := l.applyWrite(cmd); stat.Failed() {
				l.log.WithFields(logrus.Fields{"cmd": cmd, "err": stat.Err}).Warn("Replayed write failed")
			}
			last = cmd.Dxid
			replayed++
		}
	}

	l.backlogMu.Lock()
	l.seq = loader.LastSeq()
	l.backlogMu.Unlock()
	l.log.WithFields(logrus.Fields{
		"snapshot": found,
		"replayed": replayed,
		"nodes":    tree.Len(),
		"seq":      l.seq,
	}).Info("Recovered state")
	return nil
}
