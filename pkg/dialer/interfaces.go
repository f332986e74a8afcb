package dialer

import (
	"github.com/arzzra/ami_dialer/pkg/ami"
)

// Виды событий жизненного цикла вызова, передаваемые наружу
const (
	EventCallAnswered  = "call_answered"
	EventCallConnected = "call_connected"
	EventCallEnded     = "call_ended"
)

// LifecycleHandler обработчик события жизненного цикла.
// Получает сырые поля события AMI без интерпретации.
//
// Вызывается из горутины цикла чтения клиента: долгую работу
// (синтез речи, запись в БД) передавайте в собственные горутины.
type LifecycleHandler func(callID string, fields map[string]string)

// CallObserver сторона диалогового движка: получает уведомления
// о ключевых точках жизненного цикла вызова.
type CallObserver interface {
	// OnCallAnswered - удалённая сторона ответила
	OnCallAnswered(callID string, fields map[string]string)
	// OnCallConnected - каналы соединены, разговор идёт
	OnCallConnected(callID string, fields map[string]string)
	// OnCallEnded - вызов завершён
	OnCallEnded(callID string, fields map[string]string)
}

// CallArchiver сторона персистентности: получает финальный снимок
// записи вызова при его завершении. Провайдер не пишет в хранилище
// сам - только отдаёт снимки.
type CallArchiver interface {
	ArchiveCall(record ami.CallRecord)
}
