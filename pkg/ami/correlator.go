package ami

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// actionResult результат ожидания ответа: сообщение либо ошибка
type actionResult struct {
	msg Message
	err error
}

// pendingAction запрос, ожидающий ответа сервера.
//
// Слот результата - канал ёмкостью 1: запись однократна и никогда
// не блокирует цикл чтения.
type pendingAction struct {
	id          string
	action      string
	submittedAt time.Time
	result      chan actionResult
}

// correlator сопоставляет ответы с отправленными Action по ActionID.
//
// Несколько Action могут находиться "в полёте" одновременно на одном
// соединении, и ответы могут приходить в произвольном порядке. Общая
// очередь "ответ - кто первый ждёт" здесь недопустима: она способна
// отдать ответ команды A горутине, ждущей команду B. Поэтому ожидающие
// регистрируются в map строго по ActionID, и доставка будит ровно
// одного - того, чей идентификатор совпал.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingAction

	seq atomic.Uint64

	log     *zap.Logger
	metrics *MetricsCollector
}

func newCorrelator(log *zap.Logger, metrics *MetricsCollector) *correlator {
	return &correlator{
		pending: make(map[string]*pendingAction),
		log:     log,
		metrics: metrics,
	}
}

// nextActionID возвращает следующий уникальный ActionID.
// Монотонный счётчик в рамках жизни процесса.
func (c *correlator) nextActionID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

// actionWriter минимальный интерфейс записи в соединение
type actionWriter interface {
	write(data []byte) error
}

// send отправляет Action и блокируется до ответа либо таймаута.
//
// Регистрация ожидающего происходит ДО записи в сокет: ответ может
// прийти раньше, чем send успеет дойти до ожидания. По таймауту
// запись вычищается из map, и опоздавший ответ будет отброшен
// циклом чтения, а не доставлен чужому ожидающему.
func (c *correlator) send(w actionWriter, action Action, timeout time.Duration) (Message, error) {
	id := c.nextActionID()
	action["ActionID"] = id
	name := action["Action"]

	pa := &pendingAction{
		id:          id,
		action:      name,
		submittedAt: time.Now(),
		result:      make(chan actionResult, 1),
	}

	c.mu.Lock()
	c.pending[id] = pa
	c.mu.Unlock()

	c.metrics.actionSent(name)

	if err := w.write(encodeAction(action)); err != nil {
		c.evict(id)
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pa.result:
		return res.msg, res.err
	case <-timer.C:
		c.evict(id)
		c.metrics.actionTimedOut()
		c.log.Warn("таймаут ожидания ответа",
			zap.String("action", name),
			zap.String("action_id", id),
			zap.Duration("timeout", timeout))
		return Message{}, ErrActionTimeout(name, id, timeout)
	}
}

// deliver доставляет ответ ожидающему с совпадающим ActionID.
// Ответ без ожидающего (пришёл после таймаута либо ActionID неизвестен)
// логируется и отбрасывается.
func (c *correlator) deliver(msg Message) {
	id := msg.ActionID()

	c.mu.Lock()
	pa, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.responseOrphaned()
		c.log.Debug("ответ без ожидающего Action отброшен",
			zap.String("action_id", id),
			zap.String("response", msg.Get("Response")))
		return
	}

	c.metrics.responseMatched()
	pa.result <- actionResult{msg: msg}
}

// evict удаляет ожидающего без доставки результата
func (c *correlator) evict(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll завершает все незавершённые Action указанной ошибкой.
// Вызывается циклом чтения при потере соединения.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingAction)
	c.mu.Unlock()

	for _, pa := range pending {
		pa.result <- actionResult{err: err}
	}

	if len(pending) > 0 {
		c.log.Warn("незавершённые Action завершены ошибкой",
			zap.Int("count", len(pending)),
			zap.Error(err))
	}
}

// pendingCount возвращает количество Action в полёте
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
