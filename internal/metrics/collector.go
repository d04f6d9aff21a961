package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobCounter reports queue depth per job status. data.JobModel satisfies it.
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector manages metric aggregation and exposure.
type Collector struct {
	registry *prometheus.Registry

	mu           sync.RWMutex
	lastSnapshot time.Time

	// Ingest plane
	uploadsTotal    *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	auditEntries    *prometheus.CounterVec
	auditVerifyRuns *prometheus.CounterVec

	// Indexing plane
	indexJobs     *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec

	// Search plane
	searchesTotal  *prometheus.CounterVec
	searchDuration prometheus.Histogram

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{registry: reg}

	c.uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ot_uploads_total",
		Help: "Evidence uploads by verification status",
	}, []string{"status"})
	reg.MustRegister(c.uploadsTotal)

	c.uploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ot_upload_bytes_total",
		Help: "Total media bytes accepted",
	})
	reg.MustRegister(c.uploadBytes)

	c.auditEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ot_audit_entries_total",
		Help: "Audit chain entries appended, by event type",
	}, []string{"event_type"})
	reg.MustRegister(c.auditEntries)

	c.auditVerifyRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ot_audit_verify_total",
		Help: "Chain verification runs by outcome",
	}, []string{"result"})
	reg.MustRegister(c.auditVerifyRuns)

	c.indexJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ot_index_jobs",
		Help: "Indexing jobs by status",
	}, []string{"status"})
	reg.MustRegister(c.indexJobs)

	c.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ot_index_stage_duration_seconds",
		Help:    "Wall time per pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
	reg.MustRegister(c.stageDuration)

	c.searchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ot_searches_total",
		Help: "Search requests by mode",
	}, []string{"mode"})
	reg.MustRegister(c.searchesTotal)

	c.searchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ot_search_duration_seconds",
		Help:    "End-to-end search latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	reg.MustRegister(c.searchDuration)

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ot_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	reg.MustRegister(c.httpRequests)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ot_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reg.MustRegister(c.httpDuration)

	return c
}

// Start polls queue depth until the context is cancelled.
func (c *Collector) Start(ctx context.Context, jobs JobCounter) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectJobs(ctx, jobs)
		}
	}
}

func (c *Collector) collectJobs(ctx context.Context, jobs JobCounter) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	counts, err := jobs.CountByStatus(ctx)
	if err != nil {
		return
	}
	c.indexJobs.Reset()
	for status, n := range counts {
		c.indexJobs.WithLabelValues(status).Set(float64(n))
	}

	c.mu.Lock()
	c.lastSnapshot = time.Now()
	c.mu.Unlock()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordUpload(status string, bytes int64) {
	c.uploadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		c.uploadBytes.Add(float64(bytes))
	}
}

func (c *Collector) RecordAuditEntry(eventType string) {
	c.auditEntries.WithLabelValues(eventType).Inc()
}

func (c *Collector) RecordAuditVerify(result string) {
	c.auditVerifyRuns.WithLabelValues(result).Inc()
}

func (c *Collector) RecordStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) RecordSearch(mode string, d time.Duration) {
	c.searchesTotal.WithLabelValues(mode).Inc()
	c.searchDuration.Observe(d.Seconds())
}

func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
