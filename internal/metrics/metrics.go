package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics holds the reservation engine's Prometheus collectors. Each
// instance carries its own registry so tests can construct them freely.
type EngineMetrics struct {
	registry *prometheus.Registry

	ReservationsCreated   prometheus.Counter
	ReservationsConfirmed prometheus.Counter
	ReservationsCancelled prometheus.Counter
	ReservationsExpired   prometheus.Counter
	StockCommits          prometheus.Counter

	InsufficientStockRejections prometheus.Counter
	ConcurrencyTimeouts         prometheus.Counter

	ReaperSweeps        prometheus.Counter
	ReaperSweepDuration prometheus.Histogram
}

// New creates the engine metrics on a fresh registry
func New(service string) *EngineMetrics {
	// service names use hyphens; metric names cannot
	service = strings.ReplaceAll(service, "-", "_")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_engine",
			Subsystem: service,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stock_engine",
		Subsystem: service,
		Name:      "reaper_sweep_duration_seconds",
		Help:      "Duration of expiry reaper sweeps.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	registry.MustRegister(sweepDuration)

	return &EngineMetrics{
		registry:                    registry,
		ReservationsCreated:         counter("reservations_created_total", "Reservations created."),
		ReservationsConfirmed:       counter("reservations_confirmed_total", "Reservations confirmed by payment."),
		ReservationsCancelled:       counter("reservations_cancelled_total", "Reservations cancelled."),
		ReservationsExpired:         counter("reservations_expired_total", "Reservations expired by the reaper."),
		StockCommits:                counter("stock_commits_total", "Ledger decrements applied."),
		InsufficientStockRejections: counter("insufficient_stock_rejections_total", "Reservation attempts rejected for insufficient stock."),
		ConcurrencyTimeouts:         counter("concurrency_timeouts_total", "Bounded lock waits that timed out."),
		ReaperSweeps:                counter("reaper_sweeps_total", "Expiry reaper sweeps executed."),
		ReaperSweepDuration:         sweepDuration,
	}
}

// Handler exposes the registry for the /metrics endpoint
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
