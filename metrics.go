package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRecorder interface {
	IncQueriesAnswered()
	IncQueriesAnsweredFromCache()
	IncQueriesRateLimited()
	IncQueriesMalformed()
	IncBackendErrors()
	GetResponseTimer() *prometheus.Timer
	GetGenerateTimer() *prometheus.Timer
	ObserveTimer(*prometheus.Timer)
	Start() error
}

func newMetrics(cfg *Config, log *slog.Logger) metricsRecorder {
	if cfg.Metrics.Enable {
		return newPrometheus(cfg.Metrics.Port, log)
	}
	return dummyMetrics{}
}

type promMetrics struct {
	queriesAnswered  prometheus.Counter
	queriesFromCache prometheus.Counter
	queriesLimited   prometheus.Counter
	queriesMalformed prometheus.Counter
	backendErrors    prometheus.Counter
	responseTime     prometheus.HistogramVec

	port int
	log  *slog.Logger
}

func (m promMetrics) IncQueriesAnswered()          { m.queriesAnswered.Inc() }
func (m promMetrics) IncQueriesAnsweredFromCache() { m.queriesFromCache.Inc() }
func (m promMetrics) IncQueriesRateLimited()       { m.queriesLimited.Inc() }
func (m promMetrics) IncQueriesMalformed()         { m.queriesMalformed.Inc() }
func (m promMetrics) IncBackendErrors()            { m.backendErrors.Inc() }

func (m promMetrics) GetResponseTimer() *prometheus.Timer {
	return prometheus.NewTimer(m.responseTime.WithLabelValues("respond"))
}

func (m promMetrics) GetGenerateTimer() *prometheus.Timer {
	return prometheus.NewTimer(m.responseTime.WithLabelValues("generate"))
}

func (m promMetrics) ObserveTimer(timer *prometheus.Timer) {
	if timer != nil {
		timer.ObserveDuration()
	}
}

func (m promMetrics) Start() error {
	go func() {
		addr := fmt.Sprintf(":%d", m.port)
		m.log.Info("starting prometheus metrics", "addr", addr, "endpoint", "/metrics")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.log.Error("metrics server failed", "err", err)
		}
	}()
	return nil
}

func newPrometheus(port int, log *slog.Logger) promMetrics {
	return promMetrics{
		queriesAnswered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_answered",
			Help: "The total number of queries answered since last start",
		}),
		queriesFromCache: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_answered_from_cache",
			Help: "The total number of queries answered from the cache since last start",
		}),
		queriesLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_rate_limited",
			Help: "The number of queries rejected by the per-address rate limiter",
		}),
		queriesMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_malformed",
			Help: "The number of datagrams discarded as unparseable",
		}),
		backendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_backend_errors",
			Help: "The number of generation requests that failed before producing content",
		}),
		responseTime: *promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dnschat_duration_seconds",
			Help: "Response time of DNS queries",
		}, []string{"action"}),
		port: port,
		log:  log,
	}
}

// dummyMetrics is used when metrics are disabled.
type dummyMetrics struct{}

func (dummyMetrics) IncQueriesAnswered()                 {}
func (dummyMetrics) IncQueriesAnsweredFromCache()        {}
func (dummyMetrics) IncQueriesRateLimited()              {}
func (dummyMetrics) IncQueriesMalformed()                {}
func (dummyMetrics) IncBackendErrors()                   {}
func (dummyMetrics) GetResponseTimer() *prometheus.Timer { return nil }
func (dummyMetrics) GetGenerateTimer() *prometheus.Timer { return nil }
func (dummyMetrics) ObserveTimer(t *prometheus.Timer)    {}
func (dummyMetrics) Start() error                        { return nil }
