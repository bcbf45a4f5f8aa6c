package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/pipetrick-go/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus instruments for the server and client lifecycle.
var (
	Accepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipetrick_accepted_total",
		Help: "Total TCP connections accepted by the server.",
	})
	Admitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipetrick_admitted_total",
		Help: "Total connections admitted past the max-clients cap.",
	})
	RejectedEMFILE = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipetrick_accept_emfile_total",
		Help: "Total accept() calls that failed with EMFILE (process out of fds).",
	})
	Cancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipetrick_cancelled_total",
		Help: "Total waits aborted by the cancellation channel (client + server handlers).",
	})
	TimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipetrick_timeout_total",
		Help: "Total client waits that reached their configured timeout.",
	})
	RoundTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipetrick_roundtrips_total",
		Help: "Total successful client send_delay round trips.",
	})
	CurrentClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipetrick_current_clients",
		Help: "Current number of admitted, in-flight server connections.",
	})
	StopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipetrick_stop_duration_seconds",
		Help:    "Time spent inside stop() before it returned.",
		Buckets: prometheus.DefBuckets,
	}, []string{"owner"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipetrick_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipetrick_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrSocket    = "socket"
	ErrBind      = "bind"
	ErrListen    = "listen"
	ErrAccept    = "accept"
	ErrConnect   = "connect"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrWaitSet   = "waitset"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process snapshotting (avoids scraping
// Prometheus from within the same process for tests/log lines).
var (
	localAccepted   uint64
	localAdmitted   uint64
	localEMFILE     uint64
	localCancelled  uint64
	localTimedOut   uint64
	localRoundTrips uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	Accepted   uint64
	Admitted   uint64
	EMFILE     uint64
	Cancelled  uint64
	TimedOut   uint64
	RoundTrips uint64
	Errors     uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepted:   atomic.LoadUint64(&localAccepted),
		Admitted:   atomic.LoadUint64(&localAdmitted),
		EMFILE:     atomic.LoadUint64(&localEMFILE),
		Cancelled:  atomic.LoadUint64(&localCancelled),
		TimedOut:   atomic.LoadUint64(&localTimedOut),
		RoundTrips: atomic.LoadUint64(&localRoundTrips),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

func IncAccepted()   { Accepted.Inc(); atomic.AddUint64(&localAccepted, 1) }
func IncAdmitted()   { Admitted.Inc(); atomic.AddUint64(&localAdmitted, 1) }
func IncEMFILE()     { RejectedEMFILE.Inc(); atomic.AddUint64(&localEMFILE, 1) }
func IncCancelled()  { Cancelled.Inc(); atomic.AddUint64(&localCancelled, 1) }
func IncTimedOut()   { TimedOut.Inc(); atomic.AddUint64(&localTimedOut, 1) }
func IncRoundTrip()  { RoundTrips.Inc(); atomic.AddUint64(&localRoundTrips, 1) }

func SetCurrentClients(n int) { CurrentClients.Set(float64(n)) }

func ObserveStopDuration(owner string, seconds float64) {
	StopDuration.WithLabelValues(owner).Observe(seconds)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first error does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrSocket, ErrBind, ErrListen, ErrAccept, ErrConnect, ErrConnRead, ErrConnWrite, ErrWaitSet} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
