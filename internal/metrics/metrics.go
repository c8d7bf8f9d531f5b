package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "followcrm_sync_runs_total",
		Help: "Total follow-sync runs started",
	})
	SyncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "followcrm_sync_errors_total",
		Help: "Total follow-sync runs aborted by an error",
	})
	SyncGated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "followcrm_sync_gated_total",
		Help: "Total sync requests rejected by the cooldown gate",
	})
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "followcrm_sync_duration_seconds",
		Help:    "Follow-sync duration seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	SyncedAccounts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "followcrm_synced_accounts_total",
		Help: "Total followed accounts written by sync",
	})
	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followcrm_upstream_requests_total",
		Help: "Follow-list page requests by HTTP status (0 for transport failures)",
	}, []string{"status"})
	ContactMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followcrm_contact_mutations_total",
		Help: "Contact store mutations by operation",
	}, []string{"operation"})
	OpenUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "followcrm_open_storage_units",
		Help: "Per-user storage units currently open",
	})
)

func init() {
	prometheus.MustRegister(SyncRuns, SyncErrors, SyncGated, SyncDuration, SyncedAccounts,
		UpstreamRequests, ContactMutations, OpenUnits)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSyncDuration records a run duration measured from start.
func ObserveSyncDuration(start time.Time) {
	SyncDuration.Observe(time.Since(start).Seconds())
}

// IncUpstreamRequest counts a follow-list request by status code.
func IncUpstreamRequest(status int) {
	UpstreamRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// IncContactMutation counts a store mutation.
func IncContactMutation(operation string) {
	ContactMutations.WithLabelValues(operation).Inc()
}
