package zapengine

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"
)

// Engine counters. Kept as package-level atomics so the hot paths pay
// one atomic add, no locks.

var (
	zapsStartedTotal   atomic.Int64
	zapsPaidTotal      atomic.Int64
	zapsPresentedTotal atomic.Int64
	zapsFailedTotal    atomic.Int64
)

var (
	walletExchangesTotal atomic.Int64
	walletTimeoutsTotal  atomic.Int64
)

var (
	resolverCacheHitsTotal   atomic.Int64
	resolverCacheMissesTotal atomic.Int64
)

var droppedEventsTotal atomic.Int64

var engineStartTime = time.Now()

// WriteMetrics writes the engine's counters in Prometheus text
// exposition format.
func WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "# HELP zap_process_uptime_seconds Time since the engine started\n")
	fmt.Fprintf(w, "# TYPE zap_process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "zap_process_uptime_seconds %.0f\n\n", time.Since(engineStartTime).Seconds())

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP zap_attempts_total Payment attempts started\n")
	fmt.Fprintf(w, "# TYPE zap_attempts_total counter\n")
	fmt.Fprintf(w, "zap_attempts_total %d\n\n", zapsStartedTotal.Load())

	fmt.Fprintf(w, "# HELP zap_paid_total Invoices settled through a connected wallet\n")
	fmt.Fprintf(w, "# TYPE zap_paid_total counter\n")
	fmt.Fprintf(w, "zap_paid_total %d\n\n", zapsPaidTotal.Load())

	fmt.Fprintf(w, "# HELP zap_presented_total Invoices handed over for manual payment\n")
	fmt.Fprintf(w, "# TYPE zap_presented_total counter\n")
	fmt.Fprintf(w, "zap_presented_total %d\n\n", zapsPresentedTotal.Load())

	fmt.Fprintf(w, "# HELP zap_failed_total Payment attempts that ended in an error\n")
	fmt.Fprintf(w, "# TYPE zap_failed_total counter\n")
	fmt.Fprintf(w, "zap_failed_total %d\n\n", zapsFailedTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_exchanges_total Wallet RPC exchanges started\n")
	fmt.Fprintf(w, "# TYPE wallet_exchanges_total counter\n")
	fmt.Fprintf(w, "wallet_exchanges_total %d\n\n", walletExchangesTotal.Load())

	fmt.Fprintf(w, "# HELP wallet_timeouts_total Wallet RPC exchanges that timed out\n")
	fmt.Fprintf(w, "# TYPE wallet_timeouts_total counter\n")
	fmt.Fprintf(w, "wallet_timeouts_total %d\n\n", walletTimeoutsTotal.Load())

	fmt.Fprintf(w, "# HELP resolver_cache_hits_total Endpoint resolutions served from cache\n")
	fmt.Fprintf(w, "# TYPE resolver_cache_hits_total counter\n")
	fmt.Fprintf(w, "resolver_cache_hits_total %d\n\n", resolverCacheHitsTotal.Load())

	fmt.Fprintf(w, "# HELP resolver_cache_misses_total Endpoint resolutions that required discovery\n")
	fmt.Fprintf(w, "# TYPE resolver_cache_misses_total counter\n")
	fmt.Fprintf(w, "resolver_cache_misses_total %d\n\n", resolverCacheMissesTotal.Load())

	fmt.Fprintf(w, "# HELP relay_dropped_events_total Relay events dropped on full subscription channels\n")
	fmt.Fprintf(w, "# TYPE relay_dropped_events_total counter\n")
	fmt.Fprintf(w, "relay_dropped_events_total %d\n", droppedEventsTotal.Load())
}
