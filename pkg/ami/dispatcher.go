package ami

import (
	"sync"

	"go.uber.org/zap"
)

// EventHandler обработчик события AMI.
//
// Вызывается из горутины цикла чтения: долгая работа внутри обработчика
// тормозит приём всех последующих сообщений. Тяжёлую обработку следует
// передавать в собственную горутину.
type EventHandler func(event Message)

// dispatcher раздаёт декодированные события потребителям.
//
// Сначала событие применяется к трекеру вызовов, затем по очереди
// вызываются зарегистрированные обработчики для данного типа события
// в порядке регистрации. Паника в обработчике перехватывается,
// логируется и не мешает остальным обработчикам.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler

	tracker *CallTracker

	log     *zap.Logger
	metrics *MetricsCollector
}

func newDispatcher(tracker *CallTracker, log *zap.Logger, metrics *MetricsCollector) *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]EventHandler),
		tracker:  tracker,
		log:      log,
		metrics:  metrics,
	}
}

// register добавляет обработчик для типа события.
// Порядок регистрации - порядок вызова.
func (d *dispatcher) register(eventType string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// handle обрабатывает одно событие: трекер, затем пользовательские обработчики
func (d *dispatcher) handle(event Message) {
	eventType := event.EventType()
	d.metrics.eventReceived(eventType)

	d.tracker.Apply(event)

	d.mu.RLock()
	handlers := d.handlers[eventType]
	d.mu.RUnlock()

	for _, handler := range handlers {
		d.invoke(eventType, handler, event)
	}
}

// invoke вызывает один обработчик с изоляцией паники
func (d *dispatcher) invoke(eventType string, handler EventHandler, event Message) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.callbackPanicked()
			d.log.Error("паника в обработчике события",
				zap.String("event", eventType),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}
