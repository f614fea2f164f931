// Package metrics exposes Prometheus counters for the envelope delivery
// pipeline and the standard /metrics scrape endpoint.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SecretUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minevault_secret_uploads_total",
		Help: "Sealed envelopes accepted from owners",
	})
	SecretPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minevault_secret_pulls_total",
		Help: "Envelope pull requests served to edge devices",
	})
	SecretAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minevault_secret_acks_total",
		Help: "Acknowledged envelope deliveries",
	})
	RollbackRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minevault_rollback_rejections_total",
		Help: "Uploads or acknowledgements rejected for a non-advancing counter",
	})
	DeviceAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minevault_device_auth_failures_total",
		Help: "Edge requests rejected at authentication",
	})
)

var startTime = time.Now()

// Handler returns the Prometheus scrape handler wrapped for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// HandleSystemMetrics reports process-level numbers as JSON for the admin UI.
func HandleSystemMetrics(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  m.HeapAlloc / 1024 / 1024,
		"heap_objects":   m.HeapObjects,
		"gc_runs":        m.NumGC,
		"go_version":     runtime.Version(),
	})
}
