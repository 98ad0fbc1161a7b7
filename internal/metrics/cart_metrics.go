package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CartMetrics — метрики операций хранилища корзин.
type CartMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewCartMetrics создаёт метрики корзины в стандартном реестре.
func NewCartMetrics() *CartMetrics {
	return NewCartMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCartMetricsWithRegisterer создаёт метрики корзины в указанном реестре.
func NewCartMetricsWithRegisterer(registerer prometheus.Registerer) *CartMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &CartMetrics{
		operations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_cart_operations_total",
			Help: "Total number of cart store operations by result",
		}, []string{"op", "result"})),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_cart_operation_duration_seconds",
			Help:    "Duration of cart store operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})),
	}
}

// Observe записывает результат и длительность операции.
func (m *CartMetrics) Observe(op string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(duration.Seconds())
}
