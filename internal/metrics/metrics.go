package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SessionsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_sessions_issued_total",
			Help: "Session issue requests by result (created, reused, blocked, limited, error).",
		},
		[]string{"result"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_verifications_total",
			Help: "Verification attempts by flow (reference, serial, registration, license, device, otp) and result.",
		},
		[]string{"flow", "result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_notifications_total",
			Help: "Notification gateway sends by result.",
		},
		[]string{"result"},
	)
)

// MustRegister registers every collector on the default registry with a constant service label.
// Collectors are usable before registration, which keeps tests free of global setup.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		SessionsIssuedTotal,
		VerificationsTotal,
		NotificationsTotal,
	)
}
