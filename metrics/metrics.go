package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tccorder/tcc"
)

type Metrics struct {
	Requests     *prometheus.CounterVec
	LatencyMS    *prometheus.HistogramVec
	Transactions *prometheus.CounterVec
	Calls        *prometheus.CounterVec
}

var _ tcc.Observer = (*Metrics)(nil)

// New creates the metrics of service and registers them with reg.
func New(reg prometheus.Registerer, service string) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tcc",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: service,
			Name:      "transactions_total",
			Help:      "Global transactions by final state.",
		}, []string{"outcome"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: service,
			Name:      "participant_calls_total",
			Help:      "Try/Confirm/Cancel calls made by the orchestrator.",
		}, []string{"participant", "phase", "result"}),
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Transactions, m.Calls)
	return m
}

func (m *Metrics) ParticipantCall(participant, phase string, err error) {
	result := "ok"
	if err != nil {
		result = tcc.KindOf(err).String()
	}
	m.Calls.WithLabelValues(participant, phase, result).Inc()
}

func (m *Metrics) TransactionFinished(state tcc.TxState) {
	m.Transactions.WithLabelValues(state.String()).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Wrap counts requests served by h under the name handler.
func (m *Metrics) Wrap(handler string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		m.Requests.WithLabelValues(handler, strconv.Itoa(sw.status)).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
