// Package metrics exposes Prometheus collectors for the watch loop, the
// condition store and alert delivery. A nil *Registry is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the application's collectors.
type Registry struct {
	reg *prometheus.Registry

	cycles              *prometheus.CounterVec
	fetchFailures       *prometheus.CounterVec
	alertsFired         prometheus.Counter
	deliveryFailures    prometheus.Counter
	persistenceFailures prometheus.Counter
	liveConditions      prometheus.Gauge
	cycleDuration       prometheus.Histogram
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddswatch_cycles_total",
				Help: "Total number of watch cycles by result",
			},
			[]string{"result"},
		),
		fetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddswatch_fetch_failures_total",
				Help: "Total number of failed catalogue fetches by kind",
			},
			[]string{"kind"},
		),
		alertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oddswatch_alerts_fired_total",
			Help: "Total number of satisfied watch conditions",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oddswatch_delivery_failures_total",
			Help: "Total number of notifications the transport failed to deliver",
		}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oddswatch_persistence_failures_total",
			Help: "Total number of failed condition store writes",
		}),
		liveConditions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oddswatch_live_conditions",
			Help: "Number of watch conditions currently held",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oddswatch_cycle_duration_seconds",
			Help:    "Duration of watch cycles",
			Buckets: prometheus.DefBuckets,
		}),
	}

	r.reg.MustRegister(
		r.cycles,
		r.fetchFailures,
		r.alertsFired,
		r.deliveryFailures,
		r.persistenceFailures,
		r.liveConditions,
		r.cycleDuration,
	)
	return r
}

// Gatherer returns the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) CycleCompleted(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Registry) FetchFailed(kind string) {
	if r == nil {
		return
	}
	r.fetchFailures.WithLabelValues(kind).Inc()
}

func (r *Registry) AlertFired() {
	if r == nil {
		return
	}
	r.alertsFired.Inc()
}

func (r *Registry) DeliveryFailed() {
	if r == nil {
		return
	}
	r.deliveryFailures.Inc()
}

func (r *Registry) PersistenceFailed() {
	if r == nil {
		return
	}
	r.persistenceFailures.Inc()
}

func (r *Registry) SetLiveConditions(n int) {
	if r == nil {
		return
	}
	r.liveConditions.Set(float64(n))
}

// Server serves /metrics until Shutdown is called.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics HTTP server bound to addr.
func NewServer(addr string, r *Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start listens in a background goroutine. Listen errors are passed to onError.
func (s *Server) Start(onError func(error)) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onError(err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
