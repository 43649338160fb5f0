package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "server",
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal state.",
		},
		[]string{"state"},
	)
	tasksAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quarry",
			Subsystem: "server",
			Name:      "tasks_assigned",
			Help:      "Tasks currently assigned or running.",
		},
	)
	schedulingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "quarry",
			Subsystem: "server",
			Name:      "scheduling_pass_duration_seconds",
			Help:      "Duration of one scheduling pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	governors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quarry",
			Subsystem: "server",
			Name:      "governors",
			Help:      "Registered governors by liveness state.",
		},
		[]string{"state"},
	)
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "governor",
			Name:      "transfers_total",
			Help:      "Peer object fetches by outcome.",
		},
		[]string{"outcome"},
	)
	transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "governor",
			Name:      "transfer_bytes_total",
			Help:      "Bytes fetched from peers.",
		},
	)
	storeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quarry",
			Subsystem: "governor",
			Name:      "store_bytes",
			Help:      "Bytes resident in the local object store.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			tasksTotal, tasksAssigned, schedulingDuration,
			governors, transfersTotal, transferBytes, storeBytes,
		)
	})
}

func RecordTaskTerminal(state string) {
	RegisterMetrics()
	tasksTotal.WithLabelValues(state).Inc()
}

func SetTasksAssigned(n int) {
	RegisterMetrics()
	tasksAssigned.Set(float64(n))
}

func ObserveSchedulingPass(d time.Duration) {
	RegisterMetrics()
	schedulingDuration.Observe(d.Seconds())
}

func SetGovernorCount(state string, n int) {
	RegisterMetrics()
	governors.WithLabelValues(state).Set(float64(n))
}

func RecordTransfer(outcome string, bytes uint64) {
	RegisterMetrics()
	transfersTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		transferBytes.Add(float64(bytes))
	}
}

func SetStoreBytes(n uint64) {
	RegisterMetrics()
	storeBytes.Set(float64(n))
}

// Handler serves /metrics and /healthz for one process.
func Handler() http.Handler {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}
