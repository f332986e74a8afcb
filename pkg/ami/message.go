package ami

// MessageKind определяет тип декодированного сообщения AMI.
type MessageKind int

const (
	// KindResponse - ответ на ранее отправленный Action
	KindResponse MessageKind = iota
	// KindEvent - асинхронное событие от PBX
	KindEvent
)

// String возвращает строковое представление типа сообщения
func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "Response"
	case KindEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// Action представляет команду, отправляемую на management-интерфейс PBX.
// Набор полей Key -> Value; поле ActionID проставляется коррелятором
// при отправке и перезаписывает любое значение, заданное вызывающим.
type Action map[string]string

// Message представляет одно декодированное сообщение протокола AMI:
// ответ на Action либо асинхронное событие. Имена полей сохраняются
// в том регистре, в котором их прислал сервер.
type Message struct {
	Kind   MessageKind
	Fields map[string]string
}

// Get возвращает значение поля или пустую строку, если поле отсутствует.
// Отсутствующее поле - нормальная ситуация для AMI, не ошибка.
func (m Message) Get(key string) string {
	return m.Fields[key]
}

// Has проверяет наличие поля в сообщении
func (m Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

// ActionID возвращает корреляционный идентификатор сообщения
func (m Message) ActionID() string {
	return m.Fields["ActionID"]
}

// EventType возвращает значение поля Event (пустая строка для ответов)
func (m Message) EventType() string {
	return m.Fields["Event"]
}

// IsSuccess сообщает, является ли сообщение успешным ответом
func (m Message) IsSuccess() bool {
	return m.Kind == KindResponse && m.Fields["Response"] == "Success"
}
