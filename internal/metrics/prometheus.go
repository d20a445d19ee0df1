package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recorder. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Capture metrics
	CaptureReads      prometheus.Counter
	CaptureShortReads prometheus.Counter
	CaptureErrors     prometheus.Counter
	FramesAssembled   prometheus.Counter
	CaptureOverruns   prometheus.Counter

	// Fan-out metrics
	ConsumerErrors *prometheus.CounterVec

	// Level meter metrics
	FrameLevel        prometheus.Gauge
	FramesWithVoice   prometheus.Counter
	FramesLevelScored prometheus.Counter

	// Encoder metrics
	ActiveSessions prometheus.Gauge
	Sessions       *prometheus.CounterVec
	EncodeDuration prometheus.Histogram
	ArtifactSize   prometheus.Histogram

	// Publish metrics
	Publishes *prometheus.CounterVec

	// Retention metrics
	RetentionDeletedFiles prometheus.Counter
	RetentionDeletedDirs  prometheus.Counter
	RetentionErrors       prometheus.Counter
	RetainedFiles         prometheus.Gauge

	// Archive metrics
	ArchiveUploads        *prometheus.CounterVec
	ArchiveUploadDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CaptureReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_capture_reads_total",
			Help: "Total number of chunk reads against the capture source",
		}),
		CaptureShortReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_capture_short_reads_total",
			Help: "Total number of reads that returned fewer samples than requested",
		}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_capture_errors_total",
			Help: "Total number of capture loops terminated by a source error",
		}),
		FramesAssembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_frames_assembled_total",
			Help: "Total number of completed frames",
		}),
		CaptureOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_capture_overrun_samples_total",
			Help: "Total number of samples dropped because the capture buffer was full",
		}),

		ConsumerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_fanout_consumer_errors_total",
			Help: "Total number of frame consumer failures",
		}, []string{"consumer"}),

		FrameLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aim_frame_level_dbfs",
			Help: "RMS level of the last frame in dBFS",
		}),
		FramesWithVoice: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_frames_voice_total",
			Help: "Total number of frames classified as containing voice",
		}),
		FramesLevelScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_frames_scored_total",
			Help: "Total number of frames analysed by the level meter",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aim_encoder_active_sessions",
			Help: "Current number of open encoder sessions",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_encoder_sessions_total",
			Help: "Total number of encoder sessions by result",
		}, []string{"result"}),
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aim_encoder_session_duration_seconds",
			Help:    "Time from frame hand-off to finalized artifact",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ArtifactSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aim_artifact_size_bytes",
			Help:    "Size of finalized artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14),
		}),

		Publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_publish_total",
			Help: "Total number of artifacts seen by the publish throttle by result",
		}, []string{"result"}),

		RetentionDeletedFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_retention_deleted_files_total",
			Help: "Total number of artifacts deleted by the retention sweep",
		}),
		RetentionDeletedDirs: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_retention_deleted_dirs_total",
			Help: "Total number of empty directories removed by the retention sweep",
		}),
		RetentionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aim_retention_errors_total",
			Help: "Total number of storage errors during retention sweeps",
		}),
		RetainedFiles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aim_retention_files",
			Help: "Number of artifacts kept after the last sweep",
		}),

		ArchiveUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_archive_uploads_total",
			Help: "Total number of archive uploads by result",
		}, []string{"result"}),
		ArchiveUploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aim_archive_upload_duration_seconds",
			Help:    "Archive upload latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aim_http_request_duration_seconds",
			Help:    "Time spent processing HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordRead records one capture read of got samples out of requested
func (m *Metrics) RecordRead(requested, got int) {
	if m == nil {
		return
	}
	m.CaptureReads.Inc()
	if got < requested {
		m.CaptureShortReads.Inc()
	}
}

// RecordCaptureError records a capture loop terminated by a source error
func (m *Metrics) RecordCaptureError() {
	if m == nil {
		return
	}
	m.CaptureErrors.Inc()
}

// RecordFrame records a completed frame
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesAssembled.Inc()
}

// RecordOverrun records samples dropped by the capture buffer
func (m *Metrics) RecordOverrun(samples uint64) {
	if m == nil || samples == 0 {
		return
	}
	m.CaptureOverruns.Add(float64(samples))
}

// RecordConsumerError records a failing frame consumer
func (m *Metrics) RecordConsumerError(consumer string) {
	if m == nil {
		return
	}
	m.ConsumerErrors.WithLabelValues(consumer).Inc()
}

// RecordLevel records the level meter result of one frame
func (m *Metrics) RecordLevel(dbfs float64, hasVoice bool) {
	if m == nil {
		return
	}
	m.FramesLevelScored.Inc()
	m.FrameLevel.Set(dbfs)
	if hasVoice {
		m.FramesWithVoice.Inc()
	}
}

// RecordSessionStarted records a new encoder session
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// RecordSessionFinished records a session ending with result
// ("finalized", "aborted") after durationSeconds.
func (m *Metrics) RecordSessionFinished(result string, durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.Sessions.WithLabelValues(result).Inc()
	if result == "finalized" {
		m.EncodeDuration.Observe(durationSeconds)
		m.ArtifactSize.Observe(float64(sizeBytes))
	}
}

// RecordPublish records a throttle decision or transmission outcome
// ("sent", "throttled", "failed").
func (m *Metrics) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(result).Inc()
}

// RecordSweep records the outcome of one retention sweep
func (m *Metrics) RecordSweep(deletedFiles, deletedDirs, errors, kept int) {
	if m == nil {
		return
	}
	m.RetentionDeletedFiles.Add(float64(deletedFiles))
	m.RetentionDeletedDirs.Add(float64(deletedDirs))
	m.RetentionErrors.Add(float64(errors))
	m.RetainedFiles.Set(float64(kept))
}

// RecordArchiveUpload records an archive upload outcome ("uploaded", "failed", "dropped")
func (m *Metrics) RecordArchiveUpload(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ArchiveUploads.WithLabelValues(result).Inc()
	if result == "uploaded" {
		m.ArchiveUploadDuration.Observe(durationSeconds)
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
