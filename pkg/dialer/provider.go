// Package dialer предоставляет высокоуровневый провайдер исходящих
// вызовов поверх клиента AMI.
//
// Провайдер применяет конфигурацию (технология канала, контекст
// диалплана, caller ID) к каждому вызову, нормализует и валидирует
// телефонные номера и транслирует события AMI в ленту жизненного
// цикла для диалогового движка: call_answered, call_connected,
// call_ended.
package dialer

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/arzzra/ami_dialer/pkg/ami"
)

// phoneNumberRe номер в духе E.164: необязательный ведущий "+",
// только цифры, от 2 до 15 знаков
var phoneNumberRe = regexp.MustCompile(`^\+?[0-9]{2,15}$`)

// Provider провайдер исходящих вызовов.
//
// Потокобезопасен. Жизненный цикл: New -> Initialize -> вызовы -> Close.
type Provider struct {
	cfg    Config
	client *ami.Client
	log    *zap.Logger

	clientOpts []ami.Option

	mu        sync.RWMutex
	handlers  map[string][]LifecycleHandler
	byChannel map[string]string // канал -> callID
	observer  CallObserver
	archiver  CallArchiver
}

// Option настраивает провайдер при создании
type Option func(*Provider)

// WithLogger задаёт логгер провайдера
func WithLogger(log *zap.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithObserver подключает диалоговый движок к ленте жизненного цикла
func WithObserver(observer CallObserver) Option {
	return func(p *Provider) {
		p.observer = observer
	}
}

// WithArchiver подключает слой персистентности: ему отдаётся снимок
// записи при завершении каждого вызова
func WithArchiver(archiver CallArchiver) Option {
	return func(p *Provider) {
		p.archiver = archiver
	}
}

// WithClientOptions пробрасывает опции нижележащему AMI клиенту
// (метрики, таймауты)
func WithClientOptions(opts ...ami.Option) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// New создает провайдер. Соединение не устанавливается до Initialize.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:       cfg,
		log:       zap.NewNop(),
		handlers:  make(map[string][]LifecycleHandler),
		byChannel: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}

	clientOpts := append([]ami.Option{ami.WithLogger(p.log)}, p.clientOpts...)
	if cfg.ActionTimeout > 0 {
		clientOpts = append(clientOpts, ami.WithActionTimeout(cfg.ActionTimeout))
	}

	p.client = ami.NewClient(ami.Credentials{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Secret:   cfg.Secret,
	}, clientOpts...)

	return p, nil
}

// Initialize подключается к PBX, аутентифицируется и подписывается
// на события жизненного цикла
func (p *Provider) Initialize() error {
	if err := p.client.Connect(); err != nil {
		return err
	}
	if err := p.client.Login(); err != nil {
		p.client.Disconnect()
		return err
	}

	p.client.RegisterCallback("Dial", p.onDialEvent)
	p.client.RegisterCallback("Bridge", p.onBridgeEvent)
	p.client.RegisterCallback("Hangup", p.onHangupEvent)

	p.log.Info("провайдер вызовов инициализирован",
		zap.String("host", p.cfg.Host),
		zap.Int("port", p.cfg.Port))
	return nil
}

// MakeCall ставит исходящий вызов на указанный номер.
//
// Номер нормализуется (убираются пробелы, дефисы, скобки) и
// валидируется как E.164-подобный. Технология канала, контекст,
// extension и caller ID берутся из конфигурации.
func (p *Provider) MakeCall(phoneNumber string) (string, error) {
	number, err := NormalizeNumber(phoneNumber)
	if err != nil {
		return "", err
	}

	res, err := p.client.OriginateCall(
		number,
		p.cfg.ChannelTechnology,
		p.cfg.Context,
		p.cfg.Extension,
		1,
		p.cfg.CallerID,
	)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.byChannel[res.Record.Channel] = res.CallID
	p.mu.Unlock()

	p.log.Info("вызов поставлен через провайдер",
		zap.String("call_id", res.CallID),
		zap.String("number", number))
	return res.CallID, nil
}

// EndCall завершает активный вызов
func (p *Provider) EndCall(callID string) error {
	return p.client.HangupCall(callID)
}

// CallStatus возвращает снимок записи вызова
func (p *Provider) CallStatus(callID string) (ami.CallRecord, error) {
	return p.client.GetCallStatus(callID)
}

// ActiveCalls возвращает снимки всех незавершённых вызовов
func (p *Provider) ActiveCalls() []ami.CallRecord {
	return p.client.ListActiveCalls()
}

// RegisterCallback регистрирует обработчик события жизненного цикла
// (call_answered, call_connected, call_ended). Обработчики одного
// вида вызываются в порядке регистрации.
func (p *Provider) RegisterCallback(kind string, handler LifecycleHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = append(p.handlers[kind], handler)
}

// Available сообщает, готов ли провайдер ставить вызовы
func (p *Provider) Available() bool {
	return p.client.State() == ami.StateAuthenticated
}

// Client возвращает нижележащий AMI клиент для прямого доступа
// (регистрация на произвольные типы событий, метрики)
func (p *Provider) Client() *ami.Client {
	return p.client
}

// Close отключается от PBX
func (p *Provider) Close() {
	p.client.Disconnect()
	p.mu.Lock()
	p.byChannel = make(map[string]string)
	p.mu.Unlock()
}

// NormalizeNumber приводит номер к виду для набора: убирает пробелы,
// дефисы и скобки, затем валидирует как E.164-подобный
func NormalizeNumber(phoneNumber string) (string, error) {
	cleaner := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	number := cleaner.Replace(phoneNumber)

	if number == "" {
		return "", ami.ErrInvalidPhoneNumber(phoneNumber, "пустой номер")
	}
	if !phoneNumberRe.MatchString(number) {
		return "", ami.ErrInvalidPhoneNumber(phoneNumber,
			"допустим необязательный ведущий + и 2-15 цифр")
	}
	return number, nil
}

// resolveCallID ищет callID по любому из каналов события
func (p *Provider) resolveCallID(fields map[string]string, channelKeys ...string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, key := range channelKeys {
		if callID, ok := p.byChannel[fields[key]]; ok {
			return callID, true
		}
	}
	return "", false
}

// emit рассылает событие жизненного цикла обработчикам и наблюдателю
func (p *Provider) emit(kind, callID string, fields map[string]string) {
	p.mu.RLock()
	handlers := p.handlers[kind]
	observer := p.observer
	p.mu.RUnlock()

	for _, handler := range handlers {
		handler(callID, fields)
	}

	if observer != nil {
		switch kind {
		case EventCallAnswered:
			observer.OnCallAnswered(callID, fields)
		case EventCallConnected:
			observer.OnCallConnected(callID, fields)
		case EventCallEnded:
			observer.OnCallEnded(callID, fields)
		}
	}
}

func (p *Provider) onDialEvent(event ami.Message) {
	if event.Get("SubEvent") != "Answer" {
		return
	}
	if callID, ok := p.resolveCallID(event.Fields, "Channel"); ok {
		p.emit(EventCallAnswered, callID, event.Fields)
	}
}

func (p *Provider) onBridgeEvent(event ami.Message) {
	if callID, ok := p.resolveCallID(event.Fields, "Channel1", "Channel2"); ok {
		p.emit(EventCallConnected, callID, event.Fields)
	}
}

func (p *Provider) onHangupEvent(event ami.Message) {
	callID, ok := p.resolveCallID(event.Fields, "Channel")
	if !ok {
		return
	}

	// Трекер уже применил событие: снимок содержит финальный статус
	if record, err := p.client.GetCallStatus(callID); err == nil {
		p.mu.RLock()
		archiver := p.archiver
		p.mu.RUnlock()
		if archiver != nil {
			archiver.ArchiveCall(record)
		}
	}

	p.emit(EventCallEnded, callID, event.Fields)

	p.mu.Lock()
	delete(p.byChannel, event.Get("Channel"))
	p.mu.Unlock()
}
