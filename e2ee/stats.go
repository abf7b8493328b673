package e2ee

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds manager statistics. Prometheus counters feed scrapes, the
// atomic mirrors feed the periodic log report.
type stats struct {
	reg *prometheus.Registry

	framesEncrypted prometheus.Counter
	framesDecrypted prometheus.Counter
	framesDropped   prometheus.Counter

	bytesEncryptedAtomic atomic.Uint64
	bytesDecryptedAtomic atomic.Uint64
	framesDroppedAtomic  atomic.Uint64

	keysDistributed  prometheus.Counter
	keyDeliveryFails prometheus.Counter
	keyRotations     prometheus.Counter
	keyRatchets      prometheus.Counter

	participants        prometheus.Gauge
	channelsEstablished prometheus.Gauge
	channelCorruptions  prometheus.Counter
}

func newStats() *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		reg: reg,

		framesEncrypted: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_frames_encrypted",
			Help: "Total outgoing frames encrypted",
		}),
		framesDecrypted: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_frames_decrypted",
			Help: "Total incoming frames decrypted",
		}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_frames_dropped",
			Help: "Total frames dropped by failed transforms",
		}),
		keysDistributed: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_keys_distributed",
			Help: "Total acknowledged key deliveries to peers",
		}),
		keyDeliveryFails: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_key_delivery_failures",
			Help: "Total key deliveries that failed or timed out",
		}),
		keyRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_key_rotations",
			Help: "Total brand new local keys after a participant left",
		}),
		keyRatchets: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_key_ratchets",
			Help: "Total local key ratchet steps after a participant joined",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediacrypt_participants",
			Help: "Known remote participant count",
		}),
		channelsEstablished: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediacrypt_channels_established",
			Help: "Established pairwise channel count",
		}),
		channelCorruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacrypt_channel_corruptions",
			Help: "Total pairwise channels destroyed due to corruption",
		}),
	}
}

// MetricsRegistry returns the prometheus registry holding the manager's
// metrics, for callers that expose a scrape endpoint.
func (m *Manager) MetricsRegistry() *prometheus.Registry {
	return m.stats.reg
}

// runReportStatsLoop logs basic frame throughput at the configured interval.
func (m *Manager) runReportStatsLoop(ctx context.Context, reportInterval time.Duration) error {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	var tickTime, lastTick time.Time
	tickTime = time.Now()

	for {
		lastTick = tickTime

		select {
		case <-ctx.Done():
			return ctx.Err()
		case tickTime = <-ticker.C:
		}

		encrypted := m.stats.bytesEncryptedAtomic.Swap(0)
		decrypted := m.stats.bytesDecryptedAtomic.Swap(0)
		dropped := m.stats.framesDroppedAtomic.Swap(0)
		if encrypted|decrypted|dropped == 0 {
			continue
		}

		dt := tickTime.Sub(lastTick)
		if dt == 0 {
			continue
		}
		dts := float64(dt.Milliseconds()) / 1000

		m.log.Infof("Stats for the last %s - encrypted %d B (%.0f B/sec), "+
			"decrypted %d B (%.0f B/sec), dropped %d frames",
			dt.Round(time.Millisecond),
			encrypted, float64(encrypted)/dts,
			decrypted, float64(decrypted)/dts,
			dropped)
	}
}
