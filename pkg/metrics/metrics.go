// pkg/metrics/metrics.go
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hatrack/pkg/observe"
)

// TableMetrics is a prometheus-backed observer for one table.
type TableMetrics struct {
	Migrations   *prometheus.CounterVec
	HelpRequests *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	StoreSize    prometheus.Gauge
}

// NewTableMetrics registers and returns metrics for the named table.
func NewTableMetrics(reg prometheus.Registerer, table string) *TableMetrics {
	m := &TableMetrics{
		Migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hatrack_migrations_total",
				Help:        "Store migrations completed, by whether helping forced a doubling",
				ConstLabels: prometheus.Labels{"table": table},
			},
			[]string{"forced"},
		),
		HelpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hatrack_help_requests_total",
				Help:        "Mutators that crossed the retry threshold and requested help",
				ConstLabels: prometheus.Labels{"table": table},
			},
			[]string{"op"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hatrack_op_retries_total",
				Help:        "Migration-induced operation retries",
				ConstLabels: prometheus.Labels{"table": table},
			},
			[]string{"op"},
		),
		StoreSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "hatrack_store_size_buckets",
				Help:        "Bucket count of the current store",
				ConstLabels: prometheus.Labels{"table": table},
			},
		),
	}
	reg.MustRegister(m.Migrations, m.HelpRequests, m.Retries, m.StoreSize)
	return m
}

// Migration implements observe.Observer.
func (m *TableMetrics) Migration(oldSize, newSize uint64, forced bool) {
	m.Migrations.WithLabelValues(strconv.FormatBool(forced)).Inc()
	m.StoreSize.Set(float64(newSize))
}

// HelpRequested implements observe.Observer.
func (m *TableMetrics) HelpRequested(op string) {
	m.HelpRequests.WithLabelValues(op).Inc()
}

// Retry implements observe.Observer.
func (m *TableMetrics) Retry(op string) {
	m.Retries.WithLabelValues(op).Inc()
}

// logObserver traces migrations and help requests through zerolog.
// Per-retry events are debug level so a misconfigured logger cannot turn
// the hot path into an I/O loop.
type logObserver struct {
	l zerolog.Logger
}

// NewLogging returns an observer that writes table events to l.
func NewLogging(l zerolog.Logger) observe.Observer {
	return logObserver{l: l}
}

func (o logObserver) Migration(oldSize, newSize uint64, forced bool) {
	o.l.Info().
		Uint64("old_size", oldSize).
		Uint64("new_size", newSize).
		Bool("forced", forced).
		Msg("store migrated")
}

func (o logObserver) HelpRequested(op string) {
	o.l.Info().Str("op", op).Msg("mutator requested help")
}

func (o logObserver) Retry(op string) {
	o.l.Debug().Str("op", op).Msg("operation retried after migration")
}

// multi fans events out to several observers.
type multi []observe.Observer

// Multi combines observers; events go to each in order.
func Multi(obs ...observe.Observer) observe.Observer {
	return multi(obs)
}

func (m multi) Migration(oldSize, newSize uint64, forced bool) {
	for _, o := range m {
		o.Migration(oldSize, newSize, forced)
	}
}

func (m multi) HelpRequested(op string) {
	for _, o := range m {
		o.HelpRequested(op)
	}
}

func (m multi) Retry(op string) {
	for _, o := range m {
		o.Retry(op)
	}
}
