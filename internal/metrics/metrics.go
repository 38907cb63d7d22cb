// Package metrics exposes Prometheus collectors for the collector service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	crawlPagesTotal            *prometheus.CounterVec
	crawlBytesTotal            *prometheus.CounterVec
	activeJobs                 *prometheus.GaugeVec
	integrityScansTotal        *prometheus.CounterVec
	integrityEntriesTotal      prometheus.Counter
	integrityScanSeconds       prometheus.Histogram
	indexCommitSeconds         prometheus.Histogram
	recoveriesTotal            *prometheus.CounterVec
	recoveryRecordsTotal       *prometheus.CounterVec
	archiveUploadsTotal        *prometheus.CounterVec
	robotsFallbackTotal        prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_crawl_pages_total",
				Help: "Pages fetched by crawl jobs, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_crawl_bytes_total",
				Help: "Bytes fetched by crawl jobs, labeled by site.",
			},
			[]string{"site"},
		)

		activeJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_active_jobs",
				Help: "Jobs currently executing, labeled by kind.",
			},
			[]string{"kind"},
		)

		integrityScansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_integrity_scans_total",
				Help: "Integrity scans finished, labeled by result.",
			},
			[]string{"result"},
		)

		integrityEntriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_integrity_entries_total",
				Help: "Entries written to sequence indexes.",
			},
		)

		integrityScanSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_integrity_scan_seconds",
				Help:    "Wall time of integrity scans.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
			},
		)

		indexCommitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_index_commit_seconds",
				Help:    "Latency of sequence index batch commits.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		recoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_recoveries_total",
				Help: "Recovery runs finished, labeled by result.",
			},
			[]string{"result"},
		)

		recoveryRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_recovery_records_total",
				Help: "Records handled by recovery runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiveUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_archive_uploads_total",
				Help: "Sequence index snapshot uploads, labeled by result.",
			},
			[]string{"result"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_robots_fallback_total",
				Help: "robots.txt checks that fell back to allow-all after TLS handshake timeouts.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delay_seconds",
				Help:    "Time crawl fetches spent waiting on the per-site rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCrawl records one fetched page.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// IncActiveJobs increments the active job gauge for kind.
func IncActiveJobs(kind string) {
	Init()
	activeJobs.WithLabelValues(kind).Inc()
}

// DecActiveJobs decrements the active job gauge for kind.
func DecActiveJobs(kind string) {
	Init()
	activeJobs.WithLabelValues(kind).Dec()
}

// ObserveIntegrityScan records a finished scan.
func ObserveIntegrityScan(result string, entries int64, duration time.Duration) {
	Init()
	integrityScansTotal.WithLabelValues(result).Inc()
	if entries > 0 {
		integrityEntriesTotal.Add(float64(entries))
	}
	integrityScanSeconds.Observe(duration.Seconds())
}

// ObserveIndexCommit records the latency of one index batch commit.
func ObserveIndexCommit(duration time.Duration) {
	Init()
	indexCommitSeconds.Observe(duration.Seconds())
}

// ObserveRecovery records a finished recovery run and its record outcomes.
func ObserveRecovery(result string, published, superseded, late, missing int64) {
	Init()
	recoveriesTotal.WithLabelValues(result).Inc()
	for outcome, n := range map[string]int64{
		"published":  published,
		"superseded": superseded,
		"late":       late,
		"missing":    missing,
	} {
		if n > 0 {
			recoveryRecordsTotal.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// ObserveArchiveUpload records a snapshot upload attempt.
func ObserveArchiveUpload(result string) {
	Init()
	archiveUploadsTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsFallback counts a robots.txt check that gave up and allowed all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveRateLimitDelay records time spent waiting for a per-site token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}
