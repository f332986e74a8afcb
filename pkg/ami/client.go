package ami

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Credentials учётные данные подключения к AMI. Неизменяемы после создания.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Secret   string
}

// Значения по умолчанию
const (
	DefaultActionTimeout  = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = time.Second
	DefaultPort           = 5038
)

// Client клиент management-интерфейса PBX (Asterisk Manager Interface).
//
// Владеет одним TCP соединением, мультиплексируя по нему произвольное
// число одновременных Action через ActionID; пул соединений не нужен.
// Жизненный цикл явный: Connect -> Login -> операции -> Disconnect.
// Экземпляры независимы, в одном процессе их может быть несколько.
//
// Потокобезопасен: операции можно вызывать из любых горутин.
type Client struct {
	creds Credentials

	actionTimeout  time.Duration
	connectTimeout time.Duration
	readTimeout    time.Duration

	log     *zap.Logger
	metrics *MetricsCollector

	conn    *connection
	corr    *correlator
	tracker *CallTracker
	disp    *dispatcher
	reader  *readerLoop
	ids     *idGenerator

	// lifecycleMu защищает Connect/Disconnect от гонок между собой
	lifecycleMu sync.Mutex
}

// NewClient создает новый AMI клиент. Соединение не устанавливается
// до вызова Connect.
func NewClient(creds Credentials, opts ...Option) *Client {
	if creds.Port == 0 {
		creds.Port = DefaultPort
	}

	c := &Client{
		creds:          creds,
		actionTimeout:  DefaultActionTimeout,
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		log:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.corr = newCorrelator(c.log, c.metrics)
	c.tracker = NewCallTracker(c.log, c.metrics)
	c.disp = newDispatcher(c.tracker, c.log, c.metrics)
	c.ids = newIDGenerator()

	return c
}

// Connect устанавливает TCP соединение с PBX и запускает цикл чтения.
// После успеха клиент в состоянии Connected; для отправки команд
// требуется Login.
func (c *Client) Connect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateDisconnected {
		return nil
	}

	c.conn = newConnection(c.creds.Host, c.creds.Port, c.connectTimeout, c.readTimeout, c.log)
	if err := c.conn.open(); err != nil {
		c.conn = nil
		return err
	}

	c.reader = newReaderLoop(c.conn, c.corr, c.disp, c.onConnectionLost, c.log)
	c.reader.start()
	return nil
}

// Login аутентифицирует соединение. При отказе сервера состояние
// остаётся Connected, в ошибке - причина из ответа.
func (c *Client) Login() error {
	if c.State() == StateDisconnected {
		return ErrNotAuthenticated("Login").WithField("state", StateDisconnected.String())
	}

	resp, err := c.corr.send(c.conn, Action{
		"Action":   "Login",
		"Username": c.creds.Username,
		"Secret":   c.creds.Secret,
	}, c.actionTimeout)
	if err != nil {
		return err
	}

	if !resp.IsSuccess() {
		return ErrAuthenticationFailed(resp.Get("Message"))
	}

	c.conn.setState(StateAuthenticated)
	c.log.Info("аутентификация AMI успешна", zap.String("username", c.creds.Username))
	return nil
}

// Send отправляет произвольный Action и ждёт ответ. Для command-операций
// за пределами встроенного набора. До аутентификации разрешены только
// Login и Logoff.
func (c *Client) Send(action Action) (Message, error) {
	name := action["Action"]
	if c.conn == nil {
		return Message{}, ErrNotAuthenticated(name).WithField("state", StateDisconnected.String())
	}
	if c.State() != StateAuthenticated && name != "Login" && name != "Logoff" {
		return Message{}, ErrNotAuthenticated(name)
	}
	return c.corr.send(c.conn, action, c.actionTimeout)
}

// OriginateResult итог постановки вызова
type OriginateResult struct {
	CallID string
	Record CallRecord
}

// OriginateCall ставит исходящий вызов.
//
// Возвращает клиентский callID сразу после подтверждения Originate
// сервером; дальнейший прогресс вызова наблюдается асинхронно через
// события и колбэки, не через возвращаемое значение. callID пробрасывается
// в диалплан переменной CALL_ID.
func (c *Client) OriginateCall(phoneNumber, channelTech, dialContext, extension string, priority int, callerID string) (OriginateResult, error) {
	if c.State() != StateAuthenticated {
		return OriginateResult{}, ErrNotAuthenticated("Originate")
	}
	if priority <= 0 {
		priority = 1
	}

	callID := c.ids.nextCallID()
	channel := fmt.Sprintf("%s/%s", channelTech, phoneNumber)

	action := Action{
		"Action":   "Originate",
		"Channel":  channel,
		"Context":  dialContext,
		"Exten":    extension,
		"Priority": strconv.Itoa(priority),
		"Variable": "CALL_ID=" + callID,
		"Async":    "true",
	}
	if callerID != "" {
		action["CallerID"] = callerID
	}

	resp, err := c.corr.send(c.conn, action, c.actionTimeout)
	if err != nil {
		return OriginateResult{}, err
	}
	if !resp.IsSuccess() {
		reason := resp.Get("Message")
		if reason == "" {
			reason = "нет сообщения в ответе"
		}
		return OriginateResult{}, ErrOriginateRejected(phoneNumber, reason)
	}

	record := c.tracker.Track(callID, channel, phoneNumber)
	c.log.Info("вызов поставлен",
		zap.String("call_id", callID),
		zap.String("channel", channel))

	return OriginateResult{CallID: callID, Record: record}, nil
}

// HangupCall завершает вызов по callID.
//
// Статус записи здесь не меняется: единственный источник истины о
// состоянии вызова - события, и запись перейдёт в Ended по событию
// Hangup, которое пришлёт PBX.
func (c *Client) HangupCall(callID string) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated("Hangup")
	}

	record, ok := c.tracker.Snapshot(callID)
	if !ok {
		return ErrUnknownCall(callID)
	}

	resp, err := c.corr.send(c.conn, Action{
		"Action":  "Hangup",
		"Channel": record.Channel,
	}, c.actionTimeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return NewAMIError(
			"HANGUP_REJECTED",
			fmt.Sprintf("Hangup канала %s отклонён: %s", record.Channel, resp.Get("Message")),
			ErrorCategoryCall,
		).WithField("call_id", callID)
	}
	return nil
}

// GetCallStatus возвращает снимок записи вызова
func (c *Client) GetCallStatus(callID string) (CallRecord, error) {
	record, ok := c.tracker.Snapshot(callID)
	if !ok {
		return CallRecord{}, ErrUnknownCall(callID)
	}
	return record, nil
}

// ListActiveCalls возвращает снимки всех незавершённых вызовов
func (c *Client) ListActiveCalls() []CallRecord {
	return c.tracker.Active()
}

// PurgeCall удаляет запись вызова из трекера
func (c *Client) PurgeCall(callID string) error {
	if !c.tracker.Purge(callID) {
		return ErrUnknownCall(callID)
	}
	return nil
}

// RegisterCallback регистрирует обработчик для типа события AMI
// (например "Hangup"). Обработчики одного типа вызываются в порядке
// регистрации, из горутины цикла чтения.
func (c *Client) RegisterCallback(eventType string, handler EventHandler) {
	c.disp.register(eventType, handler)
}

// Ping проверяет живость соединения командой Ping
func (c *Client) Ping() error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated("Ping")
	}
	_, err := c.corr.send(c.conn, Action{"Action": "Ping"}, c.actionTimeout)
	return err
}

// State возвращает текущее состояние соединения
func (c *Client) State() ConnectionState {
	if c.conn == nil {
		return StateDisconnected
	}
	return c.conn.State()
}

// Greeting возвращает строку приветствия сервера (после Connect)
func (c *Client) Greeting() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.Greeting()
}

// Metrics возвращает сборщик метрик клиента (nil, если не задан)
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// Disconnect завершает работу клиента: best-effort Logoff (ошибки и
// таймауты игнорируются), остановка цикла чтения, закрытие сокета,
// очистка трекера. Идемпотентен.
func (c *Client) Disconnect() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.conn == nil {
		return
	}

	if c.State() == StateAuthenticated {
		// Короткий таймаут: вежливый Logoff не должен задерживать остановку
		if _, err := c.corr.send(c.conn, Action{"Action": "Logoff"}, time.Second); err != nil {
			c.log.Debug("Logoff не подтверждён", zap.Error(err))
		}
	}

	if c.reader != nil {
		// Сначала сигнал остановки, затем закрытие сокета: цикл чтения
		// отличит свой shutdown от падения пира
		select {
		case <-c.reader.stop:
		default:
			close(c.reader.stop)
		}
	}
	c.conn.close()
	if c.reader != nil {
		c.reader.wg.Wait()
		c.reader = nil
	}

	c.corr.failAll(ErrConnectionLost(nil))
	c.tracker.Reset()
	c.log.Info("клиент AMI отключён")
}

// onConnectionLost вызывается циклом чтения при потере соединения
func (c *Client) onConnectionLost(err error) {
	c.log.Error("соединение с AMI потеряно", zap.Error(err))
}
