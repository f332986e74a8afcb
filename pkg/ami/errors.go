package ami

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	ErrorCategoryTransport  ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout    ErrorCategory = "TIMEOUT"
	ErrorCategoryAuth       ErrorCategory = "AUTH"
	ErrorCategoryProtocol   ErrorCategory = "PROTOCOL"
	ErrorCategoryCall       ErrorCategory = "CALL"
	ErrorCategoryState      ErrorCategory = "STATE"
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// AMIError структурированная ошибка клиента с контекстом.
//
// Retryable означает, что операцию безопасно повторить. Важно: таймаут
// Action - это "результат неизвестен", а не "не выполнено": PBX мог
// исполнить команду после истечения ожидания. Повторять Originate
// вслепую нельзя без собственной дедупликации.
type AMIError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Category  ErrorCategory          `json:"category"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// Error реализует интерфейс error
func (e *AMIError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *AMIError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле контекста к ошибке
func (e *AMIError) WithField(key string, value interface{}) *AMIError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *AMIError) WithCause(cause error) *AMIError {
	e.Cause = cause
	return e
}

// NewAMIError создает новую структурированную ошибку
func NewAMIError(code, message string, category ErrorCategory) *AMIError {
	return &AMIError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// Предопределенные конструкторы для частых случаев

// ErrConnectionFailed - не удалось установить TCP соединение с PBX.
// Фатальна для экземпляра клиента, требуется полный Connect заново.
func ErrConnectionFailed(addr string, cause error) *AMIError {
	return NewAMIError(
		"CONNECTION_FAILED",
		fmt.Sprintf("Не удалось подключиться к AMI %s", addr),
		ErrorCategoryTransport,
	).WithField("addr", addr).WithCause(cause)
}

// ErrConnectionLost - соединение потеряно во время работы.
// Все незавершённые Action завершаются этой ошибкой.
func ErrConnectionLost(cause error) *AMIError {
	err := NewAMIError(
		"CONNECTION_LOST",
		"Соединение с AMI потеряно",
		ErrorCategoryTransport,
	)
	err.Retryable = true
	return err.WithCause(cause)
}

// ErrAuthenticationFailed - сервер отклонил Login.
// Восстановимо повтором с исправленными учётными данными.
func ErrAuthenticationFailed(reason string) *AMIError {
	return NewAMIError(
		"AUTHENTICATION_FAILED",
		fmt.Sprintf("Аутентификация AMI отклонена: %s", reason),
		ErrorCategoryAuth,
	).WithField("reason", reason)
}

// ErrNotAuthenticated - операция требует аутентифицированного соединения
func ErrNotAuthenticated(operation string) *AMIError {
	return NewAMIError(
		"NOT_AUTHENTICATED",
		fmt.Sprintf("Нельзя выполнить '%s' без аутентификации", operation),
		ErrorCategoryState,
	).WithField("operation", operation)
}

// ErrActionTimeout - ответ на Action не пришёл за отведённое время.
// Результат неизвестен: безопасно повторять только идемпотентные команды.
func ErrActionTimeout(action, actionID string, timeout time.Duration) *AMIError {
	err := NewAMIError(
		"ACTION_TIMEOUT",
		fmt.Sprintf("Таймаут ожидания ответа на %s через %v", action, timeout),
		ErrorCategoryTimeout,
	).WithField("action", action).WithField("action_id", actionID).WithField("timeout", timeout)
	err.Retryable = true
	return err
}

// ErrUnknownCall - операция ссылается на неизвестный callID
func ErrUnknownCall(callID string) *AMIError {
	return NewAMIError(
		"UNKNOWN_CALL",
		fmt.Sprintf("Вызов %s не найден", callID),
		ErrorCategoryCall,
	).WithField("call_id", callID)
}

// ErrOriginateRejected - PBX отклонил Originate
func ErrOriginateRejected(number, reason string) *AMIError {
	return NewAMIError(
		"ORIGINATE_REJECTED",
		fmt.Sprintf("Originate на %s отклонён: %s", number, reason),
		ErrorCategoryCall,
	).WithField("number", number).WithField("reason", reason)
}

// ErrInvalidPhoneNumber - номер не прошёл валидацию E.164
func ErrInvalidPhoneNumber(number, reason string) *AMIError {
	return NewAMIError(
		"INVALID_PHONE_NUMBER",
		fmt.Sprintf("Неверный номер телефона '%s': %s", number, reason),
		ErrorCategoryValidation,
	).WithField("number", number).WithField("reason", reason)
}

// IsRetryable проверяет, можно ли повторить операцию
func IsRetryable(err error) bool {
	var ae *AMIError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsTimeout проверяет, является ли ошибка таймаутом Action
func IsTimeout(err error) bool {
	var ae *AMIError
	if errors.As(err, &ae) {
		return ae.Category == ErrorCategoryTimeout
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	var ae *AMIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "UNKNOWN_ERROR"
}
