package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
	connections prometheus.Gauge
	waiting     *prometheus.GaugeVec
	searches    *prometheus.CounterVec
	matches     *prometheus.CounterVec
	skips       prometheus.Counter
	cooldowns   prometheus.Counter
	rejected    *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	ns := namespace
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: prometheus.DefBuckets}, []string{"method", "route", "status"})
	r.MustRegister(httpReqCnt, httpDur)

	connections := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections"})
	waiting := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "waiting_participants"}, []string{"kind"})
	searches := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "searches_total"}, []string{"kind"})
	matches := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "matches_total"}, []string{"kind"})
	skips := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "skips_total"})
	cooldowns := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "search_cooldowns_total"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "rejected_tabs_total"}, []string{"reason"})
	r.MustRegister(connections, waiting, searches, matches, skips, cooldowns, rejected)

	return &Metrics{
		registry:    r,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
		connections: connections,
		waiting:     waiting,
		searches:    searches,
		matches:     matches,
		skips:       skips,
		cooldowns:   cooldowns,
		rejected:    rejected,
	}
}

func (m *Metrics) Connected()    { m.connections.Inc() }
func (m *Metrics) Disconnected() { m.connections.Dec() }
func (m *Metrics) Skipped()      { m.skips.Inc() }
func (m *Metrics) Cooldown()     { m.cooldowns.Inc() }

func (m *Metrics) Searched(kind string) { m.searches.WithLabelValues(kind).Inc() }
func (m *Metrics) Matched(kind string)  { m.matches.WithLabelValues(kind).Inc() }

func (m *Metrics) Waiting(kind string, n int) {
	m.waiting.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
