package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-sap-host/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	NotifTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_notif_tx_frames_total",
		Help: "Total notification frames written to the host-to-firmware queue.",
	})
	NotifRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_notif_rx_frames_total",
		Help: "Total notification frames decoded from the firmware-to-host queue.",
	})
	DataTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_data_tx_frames_total",
		Help: "Total data frames written to the host-to-firmware queue.",
	})
	DataRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_data_rx_frames_total",
		Help: "Total data frames decoded from the firmware-to-host queue.",
	})
	AreaSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_area_signals_total",
		Help: "Total check-shared-area doorbell messages sent to the firmware.",
	})
	AreaSignalsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_area_signals_throttled_total",
		Help: "Total doorbell requests suppressed by the throttle window.",
	})
	QueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_queue_overflows_total",
		Help: "Total frames rejected because a cyclic queue was full.",
	})
	QueueCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_queue_corruptions_total",
		Help: "Total decode passes aborted on a cursor or length invariant violation.",
	})
	FilterCopies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_filter_copies_total",
		Help: "Total host packets copied to the firmware by a filter rule.",
	})
	FilterDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_filter_drops_total",
		Help: "Total host packets dropped from normal delivery after a firmware copy.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sap_malformed_frames_total",
		Help: "Total rejected malformed frames (undersized payloads, truncated headers).",
	})
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sap_connected",
		Help: "1 while the session handshake is acknowledged, else 0.",
	})
	OwnershipResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sap_ownership_results_total",
		Help: "Radio ownership request outcomes.",
	}, []string{"result"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrChanSend  = "chan_send"
	ErrChanRecv  = "chan_recv"
	ErrEnqueue   = "enqueue"
	ErrDispatch  = "dispatch"
	ErrHandshake = "handshake"
	ErrTeardown  = "teardown"
	ErrDeliver   = "deliver"
)

// Ownership result label values.
const (
	OwnGranted = "granted"
	OwnDenied  = "denied"
	OwnTimeout = "timeout"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localNotifTx     uint64
	localNotifRx     uint64
	localDataTx      uint64
	localDataRx      uint64
	localSignals     uint64
	localThrottled   uint64
	localOverflows   uint64
	localCorruptions uint64
	localFilterCopy  uint64
	localFilterDrop  uint64
	localMalformed   uint64
	localErrors      uint64
	localConnected   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	NotifTx     uint64
	NotifRx     uint64
	DataTx      uint64
	DataRx      uint64
	Signals     uint64
	Throttled   uint64
	Overflows   uint64
	Corruptions uint64
	FilterCopy  uint64
	FilterDrop  uint64
	Malformed   uint64
	Errors      uint64
	Connected   bool
}

func Snap() Snapshot {
	return Snapshot{
		NotifTx:     atomic.LoadUint64(&localNotifTx),
		NotifRx:     atomic.LoadUint64(&localNotifRx),
		DataTx:      atomic.LoadUint64(&localDataTx),
		DataRx:      atomic.LoadUint64(&localDataRx),
		Signals:     atomic.LoadUint64(&localSignals),
		Throttled:   atomic.LoadUint64(&localThrottled),
		Overflows:   atomic.LoadUint64(&localOverflows),
		Corruptions: atomic.LoadUint64(&localCorruptions),
		FilterCopy:  atomic.LoadUint64(&localFilterCopy),
		FilterDrop:  atomic.LoadUint64(&localFilterDrop),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Errors:      atomic.LoadUint64(&localErrors),
		Connected:   atomic.LoadUint64(&localConnected) != 0,
	}
}

// Wrapper helpers to keep call sites simple.
func IncNotifTx() {
	NotifTxFrames.Inc()
	atomic.AddUint64(&localNotifTx, 1)
}

func IncNotifRx() {
	NotifRxFrames.Inc()
	atomic.AddUint64(&localNotifRx, 1)
}

func IncDataTx() {
	DataTxFrames.Inc()
	atomic.AddUint64(&localDataTx, 1)
}

// AddDataRx counts a batch decoded in one pass.
func AddDataRx(n int) {
	DataRxFrames.Add(float64(n))
	atomic.AddUint64(&localDataRx, uint64(n))
}

func IncAreaSignal() {
	AreaSignals.Inc()
	atomic.AddUint64(&localSignals, 1)
}

func IncAreaSignalThrottled() {
	AreaSignalsThrottled.Inc()
	atomic.AddUint64(&localThrottled, 1)
}

func IncOverflow() {
	QueueOverflows.Inc()
	atomic.AddUint64(&localOverflows, 1)
}

func IncCorruption() {
	QueueCorruptions.Inc()
	atomic.AddUint64(&localCorruptions, 1)
}

func IncFilterCopy() {
	FilterCopies.Inc()
	atomic.AddUint64(&localFilterCopy, 1)
}

func IncFilterDrop() {
	FilterDrops.Inc()
	atomic.AddUint64(&localFilterDrop, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// IncOwnership records an ownership request outcome.
func IncOwnership(result string) {
	OwnershipResults.WithLabelValues(result).Inc()
}

// SetConnected flips the session gauge.
func SetConnected(up bool) {
	if up {
		Connected.Set(1)
		atomic.StoreUint64(&localConnected, 1)
	} else {
		Connected.Set(0)
		atomic.StoreUint64(&localConnected, 0)
	}
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrChanSend, ErrChanRecv, ErrEnqueue,
		ErrDispatch, ErrHandshake, ErrTeardown, ErrDeliver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, lbl := range []string{OwnGranted, OwnDenied, OwnTimeout} {
		OwnershipResults.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
