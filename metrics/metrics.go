// Package metrics exposes Prometheus counters and gauges for a running
// session: packet and byte counts, rollback depth, prediction misses, and
// per-peer network health.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggnet/rollback/internal/loglevel"
)

var (
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_packets_sent_total",
		Help: "Total wire packets sent across all peers.",
	})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_packets_received_total",
		Help: "Total wire packets received across all peers.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_bytes_sent_total",
		Help: "Total wire bytes sent across all peers.",
	})
	RollbackFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_resimulated_frames_total",
		Help: "Total frames re-simulated by AdjustSimulation rollbacks.",
	})
	Mispredictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_mispredictions_total",
		Help: "Total consistency checks that found a mispredicted input.",
	})
	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_peer_disconnects_total",
		Help: "Total peer disconnect events raised by the protocol layer.",
	})
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_active_peers",
		Help: "Current number of peers in the running state.",
	})
	RoundTripMS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollback_round_trip_ms",
		Help: "Last measured round-trip time per peer, in milliseconds.",
	}, []string{"peer"})
	FrameAdvantage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollback_frame_advantage",
		Help: "Estimated local frame advantage per peer.",
	}, []string{"peer"})

	localPacketsSent     uint64
	localPacketsReceived uint64
	localMispredictions  uint64
)

// Snapshot is a cheap, lock-free copy of the locally mirrored counters,
// useful for an in-process status line without scraping Prometheus.
type Snapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	Mispredictions  uint64
}

func Snap() Snapshot {
	return Snapshot{
		PacketsSent:     atomic.LoadUint64(&localPacketsSent),
		PacketsReceived: atomic.LoadUint64(&localPacketsReceived),
		Mispredictions:  atomic.LoadUint64(&localMispredictions),
	}
}

func IncPacketsSent(bytes int) {
	PacketsSent.Inc()
	BytesSent.Add(float64(bytes))
	atomic.AddUint64(&localPacketsSent, 1)
}

func IncPacketsReceived() {
	PacketsReceived.Inc()
	atomic.AddUint64(&localPacketsReceived, 1)
}

func IncRollbackFrames(n int) {
	RollbackFrames.Add(float64(n))
}

func IncMispredictions() {
	Mispredictions.Inc()
	atomic.AddUint64(&localMispredictions, 1)
}

func IncDisconnects() {
	Disconnects.Inc()
}

func SetActivePeers(n int) {
	ActivePeers.Set(float64(n))
}

func SetRoundTrip(peer string, ms int64) {
	RoundTripMS.WithLabelValues(peer).Set(float64(ms))
}

func SetFrameAdvantage(peer string, advantage int) {
	FrameAdvantage.WithLabelValues(peer).Set(float64(advantage))
}

// StartHTTP serves Prometheus metrics at /metrics on addr. Returns the
// server so the caller can Shutdown it; ListenAndServe errors are logged,
// not returned, since this runs detached from the caller's goroutine.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		loglevel.Infof("metrics: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			loglevel.Errorf("metrics: http server error: %v", err)
		}
	}()
	return srv
}
