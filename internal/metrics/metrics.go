package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder reports kernel activity using Prometheus primitives. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	chatRequests    *prometheus.CounterVec
	chatDurations   *prometheus.HistogramVec
	functionCalls   *prometheus.CounterVec
	inflightInvokes prometheus.Gauge
	httpRetries     *prometheus.CounterVec
}

func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &Recorder{
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gokernel_chat_requests_total",
			Help: "Total chat completion requests by provider and status",
		}, []string{"provider", "status"}),
		chatDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gokernel_chat_request_duration_seconds",
			Help:    "Chat completion request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		functionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gokernel_function_invocations_total",
			Help: "Total auto-invoked function calls by function and status",
		}, []string{"function", "status"}),
		inflightInvokes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gokernel_auto_invoke_inflight",
			Help: "Auto-invoke loops currently running",
		}),
		httpRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gokernel_http_retries_total",
			Help: "HTTP requests retried by the retry handler, by host",
		}, []string{"host"}),
	}

	for _, collector := range []prometheus.Collector{r.chatRequests, r.chatDurations, r.functionCalls, r.inflightInvokes, r.httpRetries} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) ObserveChat(providerName string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.chatRequests.WithLabelValues(providerName, status(err)).Inc()
	r.chatDurations.WithLabelValues(providerName).Observe(duration.Seconds())
}

func (r *Recorder) ObserveFunction(name string, err error) {
	if r == nil {
		return
	}
	r.functionCalls.WithLabelValues(name, status(err)).Inc()
}

// SetInflight publishes the current auto-invoke in-flight count.
func (r *Recorder) SetInflight(n int64) {
	if r == nil {
		return
	}
	r.inflightInvokes.Set(float64(n))
}

func (r *Recorder) ObserveRetry(host string) {
	if r == nil {
		return
	}
	r.httpRetries.WithLabelValues(host).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
