package ami

import (
	"bytes"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Кодек wire-формата AMI: текстовые строки `Key: Value`, завершаемые CRLF,
// блок сообщения заканчивается пустой строкой (CRLF CRLF).

const (
	crlf            = "\r\n"
	fieldSeparator  = ": "
	blockTerminator = "\r\n\r\n"
)

// encodeAction сериализует Action в wire-формат AMI.
//
// Поле Action всегда рендерится первым (так сервер быстрее распознаёт
// команду), остальные поля - в отсортированном порядке для детерминизма.
func encodeAction(action Action) []byte {
	var buf bytes.Buffer

	if name, ok := action["Action"]; ok {
		buf.WriteString("Action")
		buf.WriteString(fieldSeparator)
		buf.WriteString(name)
		buf.WriteString(crlf)
	}

	keys := make([]string, 0, len(action))
	for k := range action {
		if k == "Action" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(fieldSeparator)
		buf.WriteString(action[k])
		buf.WriteString(crlf)
	}
	buf.WriteString(crlf)

	return buf.Bytes()
}

// decodeBuffer извлекает из накопленного буфера все завершённые сообщения
// и возвращает непотреблённый остаток (незавершённый блок ждёт следующего
// чтения). Блок без полей Event и Response считается повреждённым:
// логируется и отбрасывается, декодирование продолжается.
func decodeBuffer(buf []byte, log *zap.Logger) ([]Message, []byte) {
	var messages []Message

	for {
		idx := bytes.Index(buf, []byte(blockTerminator))
		if idx < 0 {
			return messages, buf
		}

		block := buf[:idx]
		buf = buf[idx+len(blockTerminator):]

		msg, ok := parseBlock(block)
		if !ok {
			log.Warn("отброшен повреждённый блок AMI: нет полей Event/Response",
				zap.ByteString("block", block))
			continue
		}
		messages = append(messages, msg)
	}
}

// parseBlock разбирает один завершённый блок на поля.
// Строка без разделителя ": " игнорируется - это не фатально,
// сервер присылает такие строки в многострочных выводах команд.
func parseBlock(block []byte) (Message, bool) {
	fields := make(map[string]string)

	for _, line := range strings.Split(string(block), crlf) {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, fieldSeparator)
		if !found {
			continue
		}
		fields[key] = value
	}

	if _, ok := fields["Event"]; ok {
		return Message{Kind: KindEvent, Fields: fields}, true
	}
	if _, ok := fields["Response"]; ok {
		return Message{Kind: KindResponse, Fields: fields}, true
	}
	return Message{}, false
}
