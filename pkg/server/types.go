package server

import (
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/sirupsen/logrus"
)

const (
	DefaultGroup = "dwarfkeeper"
	// DefaultApplyQueue is how many deliveries can wait for the apply goroutine before the delivery
	// goroutine blocks.
	DefaultApplyQueue = 1024
	// DefaultMaxInflight is how many client requests a replica works on at once.
	DefaultMaxInflight = 256
	// DefaultQueueBacklog is how many commands the logger collects before it writes them out.
	DefaultQueueBacklog = 5
	// DefaultStateTimeout bounds a single state transfer request.
	DefaultStateTimeout = 10 * time.Second
)

// Status is where a member is in its life cycle. A member only serves clients once it is ready.
type Status int32

const (
	StatusJoining Status = iota
	StatusInitializing
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Options configures a Replica or a LogReplica. Zero values fall back to the defaults above.
type Options struct {
	Group       string
	ApplyQueue  int
	MaxInflight int
	// BatchSize is only used by the logger.
	BatchSize int
	// BroadcastTimeout bounds how long a replica waits for the replies to a write. Zero leaves it to
	// the transport.
	BroadcastTimeout time.Duration
	// StateTimeout bounds how long a joining member waits for one holder to send its state.
	StateTimeout time.Duration
	Log          *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.ApplyQueue <= 0 {
		o.ApplyQueue = DefaultApplyQueue
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultQueueBacklog
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = DefaultStateTimeout
	}
	if o.Log == nil {
		o.Log = common.DiscardLogger()
	}
	return o
}
