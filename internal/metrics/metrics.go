package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Screening quality service metrics for production monitoring
var (
	// Detection metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenguard_detections_total",
			Help: "Total number of screening quality checks",
		},
		[]string{"recommendation", "mode"}, // mode: single/batch
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenguard_detection_duration_seconds",
			Help:    "Quality check duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~400ms
		},
		[]string{"mode"},
	)

	AnomalyScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screenguard_anomaly_score",
			Help:    "Distribution of reconstruction errors across checked sessions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 0.001 to ~8
		},
	)

	BatchSizeChecked = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screenguard_batch_size",
			Help:    "Number of sessions per batch check request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
		},
	)

	// Training metrics
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenguard_training_runs_total",
			Help: "Total number of training runs",
		},
		[]string{"status"}, // status: completed/failed
	)

	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screenguard_training_duration_seconds",
			Help:    "Training run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
	)

	ModelThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenguard_model_threshold",
			Help: "Current anomaly threshold of the loaded model",
		},
	)

	ModelTrained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenguard_model_trained",
			Help: "Whether a trained model is loaded (1=trained, 0=untrained)",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenguard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"path", "method"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "screenguard_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenguard_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenguard_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
