package ami

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector собирает и экспортирует метрики AMI клиента.
//
// Каждый экземпляр владеет собственным prometheus.Registry, поэтому
// несколько независимых клиентов в одном процессе не конфликтуют
// при регистрации метрик. Все операции thread-safe.
type MetricsCollector struct {
	registry *prometheus.Registry

	actionsTotal      *prometheus.CounterVec
	actionTimeouts    prometheus.Counter
	responsesMatched  prometheus.Counter
	responsesOrphaned prometheus.Counter
	eventsTotal       *prometheus.CounterVec
	callbackPanics    prometheus.Counter
	callsActive       prometheus.Gauge
	callsFinished     *prometheus.CounterVec
	callDuration      prometheus.Histogram
}

// NewMetricsCollector создает новый сборщик метрик с собственным registry
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		registry: reg,
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "actions_total",
			Help:      "Количество отправленных Action по типам",
		}, []string{"action"}),
		actionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "action_timeouts_total",
			Help:      "Количество Action, не дождавшихся ответа",
		}),
		responsesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "responses_matched_total",
			Help:      "Ответы, сопоставленные с ожидающим Action по ActionID",
		}),
		responsesOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "responses_orphaned_total",
			Help:      "Ответы без ожидающего Action (пришли после таймаута)",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "events_total",
			Help:      "Количество принятых событий по типам",
		}, []string{"event"}),
		callbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "callback_panics_total",
			Help:      "Паники в пользовательских обработчиках событий",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ami",
			Name:      "calls_active",
			Help:      "Текущее количество незавершённых вызовов",
		}),
		callsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "calls_finished_total",
			Help:      "Завершённые вызовы по финальному статусу",
		}, []string{"status"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ami",
			Name:      "call_duration_seconds",
			Help:      "Длительность вызова от Originate до Hangup",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(
		m.actionsTotal, m.actionTimeouts,
		m.responsesMatched, m.responsesOrphaned,
		m.eventsTotal, m.callbackPanics,
		m.callsActive, m.callsFinished, m.callDuration,
	)

	return m
}

// Registry возвращает registry для экспорта через promhttp
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsCollector) actionSent(action string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action).Inc()
}

func (m *MetricsCollector) actionTimedOut() {
	if m == nil {
		return
	}
	m.actionTimeouts.Inc()
}

func (m *MetricsCollector) responseMatched() {
	if m == nil {
		return
	}
	m.responsesMatched.Inc()
}

func (m *MetricsCollector) responseOrphaned() {
	if m == nil {
		return
	}
	m.responsesOrphaned.Inc()
}

func (m *MetricsCollector) eventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(event).Inc()
}

func (m *MetricsCollector) callbackPanicked() {
	if m == nil {
		return
	}
	m.callbackPanics.Inc()
}

func (m *MetricsCollector) callStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *MetricsCollector) callFinished(status string, durationSec float64) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsFinished.WithLabelValues(status).Inc()
	if durationSec >= 0 {
		m.callDuration.Observe(durationSec)
	}
}
