package ami

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// CallStatus состояние вызова в его жизненном цикле
type CallStatus string

const (
	// StatusOriginating - Originate принят сервером, канал ещё не создан
	StatusOriginating CallStatus = "originating"
	// StatusDialing - PBX начал набор (Dial/Begin)
	StatusDialing CallStatus = "dialing"
	// StatusRinging - канал создан, идёт вызов (Newchannel)
	StatusRinging CallStatus = "ringing"
	// StatusAnswered - удалённая сторона ответила (Dial/Answer)
	StatusAnswered CallStatus = "answered"
	// StatusConnected - каналы соединены мостом в разговор (Bridge)
	StatusConnected CallStatus = "connected"
	// StatusEnded - вызов завершён (Hangup). Терминальное состояние.
	StatusEnded CallStatus = "ended"
	// StatusFailed - PBX сообщил о неудаче вызова. Терминальное состояние.
	StatusFailed CallStatus = "failed"
)

// String возвращает строковое представление статуса
func (s CallStatus) String() string {
	return string(s)
}

// IsTerminal сообщает, является ли статус терминальным
func (s CallStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// CallRecord запись об исходящем вызове.
//
// Channel задаётся при создании и не меняется. UniqueID выставляется
// не более одного раза - при первом Newchannel для этого канала.
// Нулевые time.Time означают "ещё не произошло".
type CallRecord struct {
	CallID      string
	Channel     string
	UniqueID    string
	PhoneNumber string
	Status      CallStatus
	StartTime   time.Time
	AnswerTime  time.Time
	BridgeTime  time.Time
	EndTime     time.Time
	HangupCause string
}

// trackedCall вызов под наблюдением: запись плюс FSM её статуса
type trackedCall struct {
	record CallRecord
	sm     *fsm.FSM
}

// События FSM вызова
const (
	callEventDialBegin  = "dial_begin"
	callEventNewChannel = "new_channel"
	callEventAnswer     = "answer"
	callEventBridge     = "bridge"
	callEventHangup     = "hangup"
	callEventFail       = "fail"
)

// newCallFSM создает FSM жизненного цикла вызова.
//
// Переходы строго вперёд: Originating -> Dialing -> Ringing -> Answered
// -> Connected, из любого нетерминального - в Ended по Hangup либо в
// Failed по отказу PBX. События с нарушенным порядком (Bridge до Answer)
// применяются как есть: порядок доставки между каналами протокол
// не гарантирует, и смежные переходы допускают такие пропуски.
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusOriginating),
		fsm.Events{
			{Name: callEventDialBegin, Src: []string{string(StatusOriginating)}, Dst: string(StatusDialing)},
			{Name: callEventNewChannel, Src: []string{string(StatusOriginating), string(StatusDialing)}, Dst: string(StatusRinging)},
			{Name: callEventAnswer, Src: []string{string(StatusOriginating), string(StatusDialing), string(StatusRinging)}, Dst: string(StatusAnswered)},
			{Name: callEventBridge, Src: []string{string(StatusOriginating), string(StatusDialing), string(StatusRinging), string(StatusAnswered)}, Dst: string(StatusConnected)},
			{Name: callEventHangup, Src: []string{string(StatusOriginating), string(StatusDialing), string(StatusRinging), string(StatusAnswered), string(StatusConnected)}, Dst: string(StatusEnded)},
			{Name: callEventFail, Src: []string{string(StatusOriginating), string(StatusDialing), string(StatusRinging)}, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{},
	)
}

// CallTracker ведёт жизненный цикл всех вызовов, порождённых клиентом.
//
// Состояние выводится из слабоупорядоченного потока событий, ключ
// сопоставления - имя канала (либо UniqueID, когда он уже известен).
// Единственный писатель переходов - цикл чтения; вызывающие только
// создают записи и читают снимки.
type CallTracker struct {
	mu         sync.RWMutex
	byCallID   map[string]*trackedCall
	byChannel  map[string]*trackedCall
	byUniqueID map[string]*trackedCall

	log     *zap.Logger
	metrics *MetricsCollector
}

// NewCallTracker создает новый трекер вызовов
func NewCallTracker(log *zap.Logger, metrics *MetricsCollector) *CallTracker {
	return &CallTracker{
		byCallID:   make(map[string]*trackedCall),
		byChannel:  make(map[string]*trackedCall),
		byUniqueID: make(map[string]*trackedCall),
		log:        log,
		metrics:    metrics,
	}
}

// Track начинает наблюдение за вызовом после успешного Originate
func (t *CallTracker) Track(callID, channel, phoneNumber string) CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc := &trackedCall{
		record: CallRecord{
			CallID:      callID,
			Channel:     channel,
			PhoneNumber: phoneNumber,
			Status:      StatusOriginating,
			StartTime:   time.Now(),
		},
		sm: newCallFSM(),
	}
	t.byCallID[callID] = tc
	t.byChannel[channel] = tc
	t.metrics.callStarted()

	t.log.Info("вызов взят под наблюдение",
		zap.String("call_id", callID),
		zap.String("channel", channel),
		zap.String("number", phoneNumber))

	return tc.record
}

// Apply применяет одно событие AMI к состоянию вызовов.
// События для каналов, которых трекер не знает, игнорируются:
// записи создаются только через Track.
func (t *CallTracker) Apply(event Message) {
	switch event.EventType() {
	case "Newchannel":
		t.applyNewChannel(event)
	case "Dial":
		t.applyDial(event)
	case "Bridge":
		t.applyBridge(event)
	case "Hangup":
		t.applyHangup(event)
	case "OriginateResponse":
		t.applyOriginateResponse(event)
	}
}

func (t *CallTracker) applyNewChannel(event Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc := t.lookup(event)
	if tc == nil {
		return
	}

	// UniqueID выставляется только первым Newchannel для канала
	if uid := event.Get("Uniqueid"); uid != "" && tc.record.UniqueID == "" {
		tc.record.UniqueID = uid
		t.byUniqueID[uid] = tc
	}

	t.transition(tc, callEventNewChannel, nil)
}

func (t *CallTracker) applyDial(event Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc := t.lookup(event)
	if tc == nil {
		return
	}

	switch event.Get("SubEvent") {
	case "Begin":
		t.transition(tc, callEventDialBegin, nil)
	case "Answer":
		t.transition(tc, callEventAnswer, func(r *CallRecord) {
			r.AnswerTime = time.Now()
		})
	}
}

func (t *CallTracker) applyBridge(event Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Bridge ссылается на пару каналов: наш может оказаться любым из двух
	var tc *trackedCall
	if c := event.Get("Channel1"); c != "" {
		tc = t.byChannel[c]
	}
	if tc == nil {
		if c := event.Get("Channel2"); c != "" {
			tc = t.byChannel[c]
		}
	}
	if tc == nil {
		return
	}

	t.transition(tc, callEventBridge, func(r *CallRecord) {
		r.BridgeTime = time.Now()
	})
}

func (t *CallTracker) applyHangup(event Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc := t.lookup(event)
	if tc == nil {
		return
	}

	cause := event.Get("Cause")
	ok := t.transition(tc, callEventHangup, func(r *CallRecord) {
		r.EndTime = time.Now()
		r.HangupCause = cause
	})
	if ok {
		t.metrics.callFinished(string(StatusEnded), tc.record.EndTime.Sub(tc.record.StartTime).Seconds())
		t.log.Info("вызов завершён",
			zap.String("call_id", tc.record.CallID),
			zap.String("channel", tc.record.Channel),
			zap.String("cause", cause))
	}
}

// applyOriginateResponse обрабатывает асинхронный итог Originate.
// При Async=true PBX присылает OriginateResponse с Response: Failure,
// если вызов не удалось установить.
func (t *CallTracker) applyOriginateResponse(event Message) {
	if event.Get("Response") != "Failure" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tc := t.lookup(event)
	if tc == nil {
		return
	}

	reason := event.Get("Reason")
	ok := t.transition(tc, callEventFail, func(r *CallRecord) {
		r.EndTime = time.Now()
		r.HangupCause = reason
	})
	if ok {
		t.metrics.callFinished(string(StatusFailed), tc.record.EndTime.Sub(tc.record.StartTime).Seconds())
		t.log.Warn("вызов не удался",
			zap.String("call_id", tc.record.CallID),
			zap.String("channel", tc.record.Channel),
			zap.String("reason", reason))
	}
}

// lookup ищет вызов по полю Channel, затем по Uniqueid.
// Вызывается под t.mu.
func (t *CallTracker) lookup(event Message) *trackedCall {
	if c := event.Get("Channel"); c != "" {
		if tc, ok := t.byChannel[c]; ok {
			return tc
		}
	}
	if uid := event.Get("Uniqueid"); uid != "" {
		if tc, ok := t.byUniqueID[uid]; ok {
			return tc
		}
	}
	return nil
}

// transition выполняет переход FSM и при успехе мутирует запись.
// Отклонённый переход (терминальное состояние, нарушенный порядок)
// логируется на debug и пропускается, никогда не фатален.
// Вызывается под t.mu.
func (t *CallTracker) transition(tc *trackedCall, event string, mutate func(*CallRecord)) bool {
	if err := tc.sm.Event(context.Background(), event); err != nil {
		t.log.Debug("переход статуса вызова пропущен",
			zap.String("call_id", tc.record.CallID),
			zap.String("event", event),
			zap.String("status", string(tc.record.Status)),
			zap.Error(err))
		return false
	}

	tc.record.Status = CallStatus(tc.sm.Current())
	if mutate != nil {
		mutate(&tc.record)
	}
	return true
}

// Snapshot возвращает копию записи вызова
func (t *CallTracker) Snapshot(callID string) (CallRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tc, ok := t.byCallID[callID]
	if !ok {
		return CallRecord{}, false
	}
	return tc.record, true
}

// Active возвращает снимки всех незавершённых вызовов
func (t *CallTracker) Active() []CallRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var records []CallRecord
	for _, tc := range t.byCallID {
		if !tc.record.Status.IsTerminal() {
			records = append(records, tc.record)
		}
	}
	return records
}

// Purge удаляет запись вызова из трекера
func (t *CallTracker) Purge(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.byCallID[callID]
	if !ok {
		return false
	}

	delete(t.byCallID, callID)
	delete(t.byChannel, tc.record.Channel)
	if tc.record.UniqueID != "" {
		delete(t.byUniqueID, tc.record.UniqueID)
	}
	if !tc.record.Status.IsTerminal() {
		t.metrics.callFinished(string(tc.record.Status), -1)
	}
	return true
}

// Reset удаляет все записи. Вызывается при отключении клиента.
func (t *CallTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tc := range t.byCallID {
		if !tc.record.Status.IsTerminal() {
			t.metrics.callFinished(string(tc.record.Status), -1)
		}
	}
	t.byCallID = make(map[string]*trackedCall)
	t.byChannel = make(map[string]*trackedCall)
	t.byUniqueID = make(map[string]*trackedCall)
}
