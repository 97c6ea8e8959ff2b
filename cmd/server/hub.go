package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/group/hub"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// epochBase is the zero point of hub epochs.
var epochBase = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the hub that orders the messages of every group",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		log := logger.WithField("component", "hub")
		common.ServeMetrics(ctx, cfg.MetricsAddr, log)
		return serveHub(ctx, group.NewNetwork(hubEpoch(time.Now()), log), cfg.Listen, log)
	},
}

// hubEpoch gives every start of a hub a new epoch, so delivery ids never repeat across restarts.
func hubEpoch(now time.Time) int32 {
	return int32(now.Sub(epochBase) / time.Second)
}

// serveHub exposes network on addr until ctx is done.
func serveHub(ctx context.Context, network *group.Network, addr string, log *logrus.Entry) error {
	lis, err := listen(addr)
	if err != nil {
		return err
	}
	g := grpc.NewServer()
	hub.NewServer(network, log).Register(g)

	go func() {
		<-ctx.Done()
		// Subscribe streams never end on their own, so a graceful stop would hang.
		g.Stop()
	}()
	log.Infof("Listening on %s", lis.Addr())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving the hub: %w", err)
	}
	return nil
}

func listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return lis, nil
}
