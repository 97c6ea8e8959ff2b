package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/group/hub"
	"github.com/mikekulinski/dwarfkeeper/pkg/persistence"
	"github.com/mikekulinski/dwarfkeeper/pkg/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const stopTimeout = 10 * time.Second

// runner is a replica or a logger.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Run a server that keeps a copy of the tree and answers clients",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMember(cmd.Context(), group.RoleServer, func(t group.Transport) (runner, error) {
			log := logger.WithField("component", "replica")
			return server.NewReplica(t, cfg.Options(log)), nil
		})
	},
}

var loggerCmd = &cobra.Command{
	Use:   "logger",
	Short: "Run a logger that writes every change of the tree to disk",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMember(cmd.Context(), group.RoleLogger, func(t group.Transport) (runner, error) {
			store, err := persistence.NewStore(cfg.DataDir)
			if err != nil {
				return nil, err
			}
			log := logger.WithFields(logrus.Fields{"component": "logger", "dir": store.Dir()})
			return server.NewLogReplica(t, store, cfg.Options(log)), nil
		})
	},
}

// runMember connects to the hub, runs a member until a signal arrives and then stops it.
func runMember(ctx context.Context, role group.Role, build func(group.Transport) (runner, error)) error {
	ctx, stop := signalContext(ctx)
	defer stop()
	common.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	conn, err := hub.Dial(cfg.Hub)
	if err != nil {
		return err
	}
	defer conn.Close()

	r, err := build(hub.NewMember(conn, role, logger.WithField("hub", cfg.Hub)))
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting the %s: %w", role, err)
	}
	<-ctx.Done()
	return stopAll(r)
}

// stopAll stops runners in reverse order.
func stopAll(runners ...runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var firstErr error
	for i := len(runners) - 1; i >= 0; i-- {
		if err := runners[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
