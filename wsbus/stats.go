package wsbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// hubStats holds hub statistics.
type hubStats struct {
	reg *prometheus.Registry

	clients prometheus.Gauge
	routed  prometheus.Counter
	dropped prometheus.Counter
}

func newHubStats() *hubStats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &hubStats{
		reg: reg,

		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsbus_clients",
			Help: "Connected participant count",
		}),
		routed: f.NewCounter(prometheus.CounterOpts{
			Name: "wsbus_envelopes_routed",
			Help: "Total envelopes delivered to a destination queue",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "wsbus_envelopes_dropped",
			Help: "Total envelopes dropped due to an unknown destination or a full queue",
		}),
	}
}

// MetricsRegistry returns the prometheus registry holding the hub's metrics,
// for callers that expose their own scrape endpoint.
func (h *Hub) MetricsRegistry() *prometheus.Registry {
	return h.stats.reg
}
