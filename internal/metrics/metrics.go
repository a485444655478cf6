package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the daemon's Prometheus instruments.
type Metrics struct {
	TicksRecorded     *prometheus.CounterVec
	CandlesBackfilled *prometheus.CounterVec
	StreamErrors      prometheus.Counter
	Reconnects        prometheus.Counter
	StorageErrors     prometheus.Counter
}

// New creates the instrument set and registers it on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binfeed_ticks_recorded_total",
			Help: "Book ticker updates written to storage.",
		}, []string{"symbol"}),
		CandlesBackfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binfeed_candles_backfilled_total",
			Help: "Historical candles written during backfill.",
		}, []string{"symbol"}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binfeed_stream_errors_total",
			Help: "Stream connect and transport errors.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binfeed_stream_reconnects_total",
			Help: "Stream reconnect attempts.",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binfeed_storage_errors_total",
			Help: "Failed database writes.",
		}),
	}
	reg.MustRegister(m.TicksRecorded, m.CandlesBackfilled, m.StreamErrors, m.Reconnects, m.StorageErrors)
	return m
}
