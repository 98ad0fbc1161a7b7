package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины, с которыми оформление заказа завершается без заказа.
const (
	ReasonEmptyCart     = "empty_cart"
	ReasonValidation    = "validation"
	ReasonUpstream      = "upstream_unavailable"
	ReasonCommitUnknown = "commit_unknown"
)

// Исходы очистки корзины после фиксации заказа.
const (
	ClearResultInline   = "inline"
	ClearResultDeferred = "deferred"
	ClearResultLost     = "lost"
)

// SagaMetrics содержит метрики саги оформления заказа.
type SagaMetrics struct {
	started   prometheus.Counter
	placed    prometheus.Counter
	rejected  *prometheus.CounterVec
	failed    *prometheus.CounterVec
	cartClear *prometheus.CounterVec

	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	active prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в стандартном реестре Prometheus.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в указанном реестре. Повторная регистрация
// возвращает уже зарегистрированные коллекторы.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		started: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_orders_started_total",
			Help: "Total number of PlaceOrder sagas started",
		})),
		placed: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_orders_placed_total",
			Help: "Total number of orders committed to the ledger",
		})),
		rejected: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_orders_rejected_total",
			Help: "Total number of PlaceOrder calls rejected before commit",
		}, []string{"reason"})),
		failed: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_orders_failed_total",
			Help: "Total number of PlaceOrder calls failed by dependency errors",
		}, []string{"reason"})),
		cartClear: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_cart_clear_total",
			Help: "Outcome of clearing the snapshot lines after commit",
		}, []string{"result"})),
		sagaDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_saga_duration_seconds",
			Help:    "Duration of PlaceOrder sagas in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"})),
		active: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_active_sagas",
			Help: "Number of PlaceOrder sagas in flight",
		})),
	}
}

// register регистрирует коллектор; если такой уже есть, возвращает существующий.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(fmt.Sprintf("register collector: %v", err))
		}
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
		}
		return existing
	}
	return collector
}

// RecordStarted отмечает начало саги.
func (m *SagaMetrics) RecordStarted() {
	m.started.Inc()
	m.active.Inc()
}

// RecordFinished отмечает завершение саги с любым исходом.
func (m *SagaMetrics) RecordFinished(duration time.Duration) {
	m.active.Dec()
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordPlaced увеличивает счётчик зафиксированных заказов.
func (m *SagaMetrics) RecordPlaced() {
	m.placed.Inc()
}

// RecordRejected фиксирует отказ до записи в журнал (пустая корзина, валидация).
func (m *SagaMetrics) RecordRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// RecordFailed фиксирует сбой зависимости.
func (m *SagaMetrics) RecordFailed(reason string) {
	m.failed.WithLabelValues(reason).Inc()
}

// RecordCartClear фиксирует исход очистки корзины.
func (m *SagaMetrics) RecordCartClear(result string) {
	m.cartClear.WithLabelValues(result).Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}
