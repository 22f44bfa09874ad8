// Package metrics provides Prometheus metrics for the file vault.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all vault metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in Prometheus text or OpenMetrics format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// vaultMetricsOnce ensures metrics are only initialized once.
var vaultMetricsOnce sync.Once

// vaultMetricsInstance is the singleton instance of vault metrics.
var vaultMetricsInstance *VaultMetrics

// VaultMetrics holds all Prometheus metrics for the vault service.
// A nil *VaultMetrics is valid and records nothing.
type VaultMetrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // filevault_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // filevault_request_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter // filevault_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // filevault_bytes_downloaded_total

	// Upload pipeline
	ChunksAccepted    prometheus.Counter     // filevault_chunks_accepted_total
	ChunkDuplicates   prometheus.Counter     // filevault_chunk_duplicates_total
	SessionsFinished  *prometheus.CounterVec // filevault_upload_sessions_total{status}
	MergeDuration     prometheus.Histogram   // filevault_merge_duration_seconds
	ThumbnailFailures *prometheus.CounterVec // filevault_thumbnail_failures_total{size}
	BatchItems        *prometheus.CounterVec // filevault_batch_items_total{action,result}

	// Shares
	ShareDownloads prometheus.Counter     // filevault_share_downloads_total
	ShareDenials   *prometheus.CounterVec // filevault_share_denials_total{reason}

	// Storage
	VaultUsedBytes *prometheus.GaugeVec // filevault_vault_used_bytes{vault}
}

// InitVaultMetrics initializes all vault metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitVaultMetrics(registry prometheus.Registerer) *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		vaultMetricsInstance = &VaultMetrics{
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filevault_requests_total",
				Help: "Total API requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "filevault_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: f.NewCounter(prometheus.CounterOpts{
				Name: "filevault_bytes_uploaded_total",
				Help: "Total bytes committed by completed uploads",
			}),

			BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
				Name: "filevault_bytes_downloaded_total",
				Help: "Total bytes granted through share downloads",
			}),

			ChunksAccepted: f.NewCounter(prometheus.CounterOpts{
				Name: "filevault_chunks_accepted_total",
				Help: "Distinct upload chunks accepted",
			}),

			ChunkDuplicates: f.NewCounter(prometheus.CounterOpts{
				Name: "filevault_chunk_duplicates_total",
				Help: "Re-submitted upload chunks acknowledged without change",
			}),

			SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filevault_upload_sessions_total",
				Help: "Upload sessions that reached a terminal status",
			}, []string{"status"}),

			MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "filevault_merge_duration_seconds",
				Help:    "Time spent merging and verifying uploads",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			}),

			ThumbnailFailures: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filevault_thumbnail_failures_total",
				Help: "Thumbnail generation failures by size",
			}, []string{"size"}),

			BatchItems: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filevault_batch_items_total",
				Help: "Files processed by batch operations",
			}, []string{"action", "result"}),

			ShareDownloads: f.NewCounter(prometheus.CounterOpts{
				Name: "filevault_share_downloads_total",
				Help: "Downloads granted through share links",
			}),

			ShareDenials: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filevault_share_denials_total",
				Help: "Share link accesses refused, by reason",
			}, []string{"reason"}),

			VaultUsedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "filevault_vault_used_bytes",
				Help: "Committed bytes per vault",
			}, []string{"vault"}),
		}
	})

	return vaultMetricsInstance
}

// GetVaultMetrics returns the singleton instance, or nil before InitVaultMetrics.
func GetVaultMetrics() *VaultMetrics {
	return vaultMetricsInstance
}

// RecordRequest records a request metric.
func (m *VaultMetrics) RecordRequest(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes committed by a completed upload.
func (m *VaultMetrics) RecordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes served directly by the API.
func (m *VaultMetrics) RecordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordChunk records an accepted chunk.
func (m *VaultMetrics) RecordChunk(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.ChunkDuplicates.Inc()
		return
	}
	m.ChunksAccepted.Inc()
}

// RecordSession records a session reaching a terminal status.
func (m *VaultMetrics) RecordSession(status string) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(status).Inc()
}

// ObserveMerge records the duration of a merge.
func (m *VaultMetrics) ObserveMerge(seconds float64) {
	if m == nil {
		return
	}
	m.MergeDuration.Observe(seconds)
}

// RecordThumbnailFailure counts a failed thumbnail size.
func (m *VaultMetrics) RecordThumbnailFailure(size string) {
	if m == nil {
		return
	}
	m.ThumbnailFailures.WithLabelValues(size).Inc()
}

// RecordBatch counts processed and failed items of a batch operation.
func (m *VaultMetrics) RecordBatch(action string, processed, failed int) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(action, "processed").Add(float64(processed))
	m.BatchItems.WithLabelValues(action, "failed").Add(float64(failed))
}

// RecordShareDownload counts a granted share download of the given size.
func (m *VaultMetrics) RecordShareDownload(bytes int64) {
	if m == nil {
		return
	}
	m.ShareDownloads.Inc()
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordShareDenial counts a refused share access.
func (m *VaultMetrics) RecordShareDenial(reason string) {
	if m == nil {
		return
	}
	m.ShareDenials.WithLabelValues(reason).Inc()
}

// SetVaultUsed updates the used-bytes gauge of a vault.
func (m *VaultMetrics) SetVaultUsed(vaultID string, bytes int64) {
	if m == nil {
		return
	}
	m.VaultUsedBytes.WithLabelValues(vaultID).Set(float64(bytes))
}
