package monitoring

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jieyou_pet/internal/types"
)

// Metrics holds the pet and HTTP metrics on a private registry. It implements
// progress.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	interactions       *prometheus.CounterVec
	experienceAwarded  prometheus.Counter
	coinsAwarded       prometheus.Counter
	coinsSpent         prometheus.Counter
	levelUps           prometheus.Counter
	petLevel           prometheus.Gauge
	persistenceFailure *prometheus.CounterVec
	pendingWrites      prometheus.Gauge

	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.interactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_interactions_total",
		Help: "Interactions performed, by kind",
	}, []string{"kind"})
	m.experienceAwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pet_experience_awarded_total",
		Help: "Experience points awarded to the shared pet",
	})
	m.coinsAwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pet_coins_awarded_total",
		Help: "Coins paid out for interactions",
	})
	m.coinsSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pet_coins_spent_total",
		Help: "Coins spent in the shop",
	})
	m.levelUps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pet_level_ups_total",
		Help: "Level-ups reported to users",
	})
	m.petLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pet_level",
		Help: "Last observed level of the shared pet",
	})
	m.persistenceFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_persistence_failures_total",
		Help: "Failed storage writes, by operation",
	}, []string{"op"})
	m.pendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pet_pending_writes",
		Help: "Writes held in the outbox of the last session that reported",
	})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	m.registry.MustRegister(
		m.interactions,
		m.experienceAwarded,
		m.coinsAwarded,
		m.coinsSpent,
		m.levelUps,
		m.petLevel,
		m.persistenceFailure,
		m.pendingWrites,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) InteractionRecorded(kind types.InteractionKind, experience, coins int64, leveledUp bool, level int) {
	m.interactions.WithLabelValues(string(kind)).Inc()
	m.experienceAwarded.Add(float64(experience))
	m.coinsAwarded.Add(float64(coins))
	if leveledUp {
		m.levelUps.Inc()
	}
	m.petLevel.Set(float64(level))
}

func (m *Metrics) CoinsSpent(amount int64) { m.coinsSpent.Add(float64(amount)) }

func (m *Metrics) PersistenceFailed(op string) { m.persistenceFailure.WithLabelValues(op).Inc() }

func (m *Metrics) PendingWrites(n int) { m.pendingWrites.Set(float64(n)) }

// Middleware records request duration labelled by the matched chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).
			Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.status = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
