package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты удалённых операций в метках.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Виды удалённых операций драйвера синхронизации.
const (
	OperationCreate = "create"
	OperationPatch  = "patch"
	OperationPush   = "push"
	OperationPull   = "pull"
)

// SyncMetrics содержит метрики обмена с удалённым хранилищем заказов.
type SyncMetrics struct {
	// Счётчики удалённых операций по результату
	operations *prometheus.CounterVec

	// Длительность удалённых операций
	operationDuration *prometheus.HistogramVec

	// Заказы, применённые из удалённого хранилища
	pulledOrders prometheus.Counter

	// Отправки, выполняющиеся прямо сейчас
	inFlight prometheus.Gauge
}

// NewSyncMetrics создаёт метрики в регистре по умолчанию.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer создаёт метрики в указанном регистре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_sync_remote_operations_total",
			Help: "Total number of remote order operations grouped by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "pos_sync_remote_operation_duration_seconds",
			Help:    "Duration of remote order operations in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 15.0},
		}, []string{"operation"}),
		pulledOrders: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_sync_pulled_orders_total",
			Help: "Total number of remote orders applied to the local store",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "pos_sync_remote_in_flight",
			Help: "Number of remote order operations currently in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// Begin отмечает начало удалённой операции. Возвращённая функция фиксирует её результат.
func (m *SyncMetrics) Begin(operation string) func(err error) {
	started := time.Now()
	m.inFlight.Inc()
	return func(err error) {
		m.inFlight.Dec()
		m.RecordOperation(operation, time.Since(started), err)
	}
}

// RecordOperation учитывает завершённую удалённую операцию.
func (m *SyncMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPulled увеличивает счётчик применённых удалённых заказов.
func (m *SyncMetrics) RecordPulled(n int) {
	if n > 0 {
		m.pulledOrders.Add(float64(n))
	}
}
