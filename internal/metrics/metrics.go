package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	SyncRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finsync_sync_runs_total",
		Help: "Sync attempts by kind and outcome.",
	}, []string{"kind", "status"})

	WebhookReceiptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finsync_webhook_receipts_total",
		Help: "Inbound webhook deliveries by status.",
	}, []string{"status"})

	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finsync_token_refresh_total",
		Help: "OAuth token refreshes by outcome.",
	}, []string{"outcome"})

	ProviderRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "finsync_provider_retries_total",
		Help: "Provider requests retried after a transient failure.",
	})

	AdvisoryLockDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "finsync_advisory_lock_degraded",
		Help: "1 when advisory locks are unavailable and syncs run without cross-process exclusion.",
	})

	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finsync_tasks_processed_total",
		Help: "Background tasks handled by the worker, by task name and outcome.",
	}, []string{"task", "outcome"})
)

// Register adds the collectors to reg. It should be called once at startup.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register metrics")
		return
	}
	collectors := []prometheus.Collector{
		SyncRunsTotal,
		WebhookReceiptsTotal,
		TokenRefreshTotal,
		ProviderRetriesTotal,
		AdvisoryLockDegraded,
		TasksProcessedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Prometheus metrics registered")
}
