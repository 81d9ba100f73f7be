package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vrlink/pkg/models"
)

// Metrics holds all Prometheus metrics. Every Record method is safe to call
// on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionDuration prometheus.Histogram
	Negotiations    *prometheus.CounterVec

	// Frame metrics
	FramesSampled     prometheus.Counter
	FramesTransmitted prometheus.Counter
	FramesAcked       prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	FrameSize         prometheus.Histogram
	KeyFrames         prometheus.Counter
	BytesSent         prometheus.Counter

	// Rate control metrics
	TargetBitrate prometheus.Gauge
	EncodeTime    prometheus.Histogram
	TransmitTime  prometheus.Histogram
	DecodeTime    prometheus.Histogram

	// Headset metrics
	ClientPresents *prometheus.CounterVec
	ClockOffset    prometheus.Gauge
	MotionToPhoton prometheus.Histogram

	// Capture metrics
	FramesCaptured prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	latencyBuckets := []float64{1, 2, 4, 6, 8, 11, 14, 17, 22, 30, 50, 100}

	m := &Metrics{
		registry: reg,

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_active_sessions",
			Help: "Number of currently active negotiated sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_sessions_started_total",
			Help: "Total number of sessions established",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrlink_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),
		Negotiations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrlink_negotiations_total",
				Help: "Stream config negotiation attempts by outcome",
			},
			[]string{"outcome"}, // accepted, rejected, failed
		),

		// Frame metrics
		FramesSampled: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_frames_sampled_total",
			Help: "Total number of frames that entered the pipeline",
		}),
		FramesTransmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_frames_transmitted_total",
			Help: "Total number of frames handed to the transport",
		}),
		FramesAcked: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_frames_acked_total",
			Help: "Total number of frames acknowledged by the headset",
		}),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrlink_frames_dropped_total",
				Help: "Total number of frames dropped",
			},
			[]string{"reason"},
		),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrlink_frame_size_bytes",
			Help:    "Size of encoded frames in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to ~2MB
		}),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_keyframes_total",
			Help: "Total number of key frames transmitted",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_bytes_sent_total",
			Help: "Total encoded bytes handed to the transport",
		}),

		// Rate control metrics
		TargetBitrate: f.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_target_bitrate_bps",
			Help: "Current encoder target bitrate",
		}),
		EncodeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrlink_encode_time_ms",
			Help:    "Render and encode time per frame",
			Buckets: latencyBuckets,
		}),
		TransmitTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrlink_transmit_time_ms",
			Help:    "Time from transmit to headset receipt",
			Buckets: latencyBuckets,
		}),
		DecodeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrlink_decode_time_ms",
			Help:    "Headset-reported decode time",
			Buckets: latencyBuckets,
		}),

		// Headset metrics
		ClientPresents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrlink_client_presents_total",
				Help: "Headset display refreshes by what was shown",
			},
			[]string{"kind"}, // stream, repeat, lobby
		),
		ClockOffset: f.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_clock_offset_seconds",
			Help: "Estimated headset to host clock offset",
		}),
		MotionToPhoton: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrlink_motion_to_photon_ms",
			Help:    "Time from a tracking sample to the first display of the frame rendered for it",
			Buckets: latencyBuckets,
		}),

		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_frames_captured_total",
			Help: "Total number of encoded frames written to capture storage",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrlink_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vrlink_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session becoming active
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionEnd records a session being invalidated or closed
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordNegotiation records one negotiation round outcome
func (m *Metrics) RecordNegotiation(outcome string) {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues(outcome).Inc()
}

// RecordSampled records a frame entering the pipeline
func (m *Metrics) RecordSampled() {
	if m == nil {
		return
	}
	m.FramesSampled.Inc()
}

// RecordTransmitted records a frame handed to the transport
func (m *Metrics) RecordTransmitted(frame *models.EncodedFrame, encodeMs float64) {
	if m == nil {
		return
	}
	m.FramesTransmitted.Inc()
	m.FrameSize.Observe(float64(frame.PayloadSize()))
	m.BytesSent.Add(float64(frame.PayloadSize()))
	m.EncodeTime.Observe(encodeMs)
	if frame.IsKeyFrame {
		m.KeyFrames.Inc()
	}
}

// RecordAcked records headset feedback for a frame
func (m *Metrics) RecordAcked(transmitMs, decodeMs float64) {
	if m == nil {
		return
	}
	m.FramesAcked.Inc()
	m.TransmitTime.Observe(transmitMs)
	m.DecodeTime.Observe(decodeMs)
}

// RecordFrameDropped records a dropped frame
func (m *Metrics) RecordFrameDropped(reason models.DropReason) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(string(reason)).Inc()
}

// SetTargetBitrate publishes the controller target
func (m *Metrics) SetTargetBitrate(bps uint64) {
	if m == nil {
		return
	}
	m.TargetBitrate.Set(float64(bps))
}

// RecordClientPresent records what the headset showed on one refresh
func (m *Metrics) RecordClientPresent(kind string) {
	if m == nil {
		return
	}
	m.ClientPresents.WithLabelValues(kind).Inc()
}

// SetClockOffset publishes the headset clock offset estimate
func (m *Metrics) SetClockOffset(d time.Duration) {
	if m == nil {
		return
	}
	m.ClockOffset.Set(d.Seconds())
}

// RecordMotionToPhoton records the pose-to-display latency of a presented frame
func (m *Metrics) RecordMotionToPhoton(ms float64) {
	if m == nil {
		return
	}
	m.MotionToPhoton.Observe(ms)
}

// RecordCaptured records a frame written by the capture recorder
func (m *Metrics) RecordCaptured() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// GinMiddleware records request count and duration per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return strconv.Itoa(code)
	}
}
