package main

import (
	"fmt"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/persistence"
	"github.com/mikekulinski/dwarfkeeper/pkg/server"
	"github.com/spf13/cobra"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run a whole group in one process, reachable through a local hub",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		common.ServeMetrics(ctx, cfg.MetricsAddr, logger)

		net := group.NewNetwork(hubEpoch(time.Now()), logger.WithField("component", "network"))
		var running []runner

		store, err := persistence.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		l := server.NewLogReplica(net.Member(group.RoleLogger), store, cfg.Options(logger.WithField("component", "logger")))
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("starting the logger: %w", err)
		}
		running = append(running, l)

		for i := 0; i < cfg.Servers; i++ {
			r := server.NewReplica(net.Member(group.RoleServer), cfg.Options(logger.WithField("component", fmt.Sprintf("replica-%d", i))))
			if err := r.Start(ctx); err != nil {
				_ = stopAll(running...)
				return fmt.Errorf("starting replica %d: %w", i, err)
			}
			running = append(running, r)
		}

		err = serveHub(ctx, net, cfg.Listen, logger.WithField("component", "hub"))
		if serr := stopAll(running...); err == nil {
			err = serr
		}
		return err
	},
}
