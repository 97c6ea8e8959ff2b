package common

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const metricsNamespace = "dwarfkeeper"

var (
	CommandsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "commands_applied_total",
		Help:      "Commands applied to a local tree, by role, operation and outcome.",
	}, []string{"role", "op", "outcome"})

	ClientRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "client_requests_total",
		Help:      "Requests received directly from clients, by operation and outcome.",
	}, []string{"op", "outcome"})

	QuorumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "quorum_failures_total",
		Help:      "Mutating requests whose replies did not agree across all servers.",
	})

	ViewChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "view_changes_total",
		Help:      "Membership views delivered to a member, by role.",
	}, []string{"role"})

	StateTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "state_transfers_total",
		Help:      "State transfers, by side (sent or received) and outcome.",
	}, []string{"side", "outcome"})

	PersistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "persist_writes_total",
		Help:      "Log and snapshot writes of the logger, by kind and outcome.",
	}, []string{"kind", "outcome"})

	ApplyQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "apply_queue_depth",
		Help:      "Deliveries waiting to be applied, by member.",
	}, []string{"member"})

	PersistQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "persist_queue_depth",
		Help:      "Batches waiting for the logger's writer, by member. A full queue holds up applying.",
	}, []string{"member"})

	HubMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "hub_members",
		Help:      "Remote members connected to the hub, by group.",
	}, []string{"group"})
)

// Outcome turns a success flag into the label value used by the counters above.
func Outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ServeMetrics exposes /metrics on addr until ctx is done. An empty addr disables it.
func ServeMetrics(ctx context.Context, addr string, logger *log.Entry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
}
