// Package amitest предоставляет in-process AMI сервер для тестирования.
//
// Сервер слушает реальный TCP порт на loopback, отдаёт приветствие,
// разбирает приходящие Action и отвечает на них через настраиваемые
// responder'ы. События инжектируются в соединение вручную, что
// позволяет воспроизводить любые последовательности жизненного цикла
// вызова без реального PBX.
//
// Пример использования:
//
//	srv := amitest.NewServer(t)
//	defer srv.Close()
//
//	srv.Respond("Login", amitest.SuccessResponse())
//	srv.Respond("Originate", amitest.SuccessResponse())
//
//	client := ami.NewClient(ami.Credentials{Host: srv.Host(), Port: srv.Port(), ...})
//	// ... Connect, Login, OriginateCall ...
//
//	srv.SendEvent(map[string]string{
//		"Event": "Hangup", "Channel": "SIP/1000", "Cause": "16",
//	})
package amitest

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// Responder формирует поля ответа на принятый Action.
// ActionID проставляется сервером автоматически из запроса.
// Возврат nil означает "не отвечать" (эмуляция молчащего сервера).
type Responder func(action map[string]string) map[string]string

// SuccessResponse возвращает responder с ответом Response: Success
func SuccessResponse() Responder {
	return func(map[string]string) map[string]string {
		return map[string]string{"Response": "Success"}
	}
}

// ErrorResponse возвращает responder с ответом Response: Error и причиной
func ErrorResponse(message string) Responder {
	return func(map[string]string) map[string]string {
		return map[string]string{"Response": "Error", "Message": message}
	}
}

// Silent возвращает responder, который никогда не отвечает.
// Используется для проверки таймаутов.
func Silent() Responder {
	return func(map[string]string) map[string]string {
		return nil
	}
}

// Server in-process AMI сервер на loopback-адресе.
//
// Обслуживает одно клиентское соединение. Все принятые Action
// сохраняются и доступны через Received для проверок в тестах.
type Server struct {
	t        *testing.T
	listener net.Listener

	mu         sync.Mutex
	conn       net.Conn
	responders map[string]Responder
	received   []map[string]string
	greeting   string

	connReady chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewServer запускает сервер и начинает принимать соединение
func NewServer(t *testing.T) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("amitest: не удалось открыть listener: %v", err)
	}

	s := &Server{
		t:          t,
		listener:   listener,
		responders: make(map[string]Responder),
		greeting:   "Asterisk Call Manager/5.0.2",
		connReady:  make(chan struct{}),
		done:       make(chan struct{}),
	}

	go s.acceptLoop()
	return s
}

// Host возвращает адрес сервера
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port возвращает порт сервера
func (s *Server) Port() int {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.Port
}

// Respond задаёт responder для указанного Action
func (s *Server) Respond(action string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[action] = r
}

// Received возвращает копию списка принятых Action в порядке получения
func (s *Server) Received() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, len(s.received))
	copy(out, s.received)
	return out
}

// SendEvent инжектирует событие в клиентское соединение.
// Блокируется до установки соединения, но не дольше 5 секунд.
func (s *Server) SendEvent(fields map[string]string) {
	s.t.Helper()

	select {
	case <-s.connReady:
	case <-time.After(5 * time.Second):
		s.t.Fatalf("amitest: SendEvent до установки соединения")
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.t.Fatalf("amitest: соединение уже закрыто")
	}
	if _, err := conn.Write(encodeBlock(fields)); err != nil {
		s.t.Logf("amitest: ошибка записи события: %v", err)
	}
}

// SendResponse инжектирует ответ вручную, минуя responder'ы.
// Используется для сценариев с опоздавшим ответом: Action встречает
// Silent(), тест выжидает таймаут клиента и шлёт ответ сам.
func (s *Server) SendResponse(fields map[string]string) {
	s.t.Helper()
	s.SendEvent(fields)
}

// DropConnection разрывает клиентское соединение со стороны сервера
func (s *Server) DropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close останавливает сервер
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.listener.Close()
		s.DropConnection()
	})
}

func (s *Server) acceptLoop() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if _, err := conn.Write([]byte(s.greeting + "\r\n")); err != nil {
		return
	}
	close(s.connReady)

	s.readLoop(conn)
}

func (s *Server) readLoop(conn net.Conn) {
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\r\n\r\n"))
				if idx < 0 {
					break
				}
				block := buf[:idx]
				buf = buf[idx+4:]
				s.handleAction(conn, parseFields(block))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleAction(conn net.Conn, action map[string]string) {
	s.mu.Lock()
	s.received = append(s.received, action)
	responder := s.responders[action["Action"]]
	s.mu.Unlock()

	if responder == nil {
		// Нет сценария - отвечаем успехом, чтобы тесты задавали
		// только интересующие их команды
		responder = SuccessResponse()
	}

	fields := responder(action)
	if fields == nil {
		return
	}

	response := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		response[k] = v
	}
	if id, ok := action["ActionID"]; ok {
		response["ActionID"] = id
	}

	if _, err := conn.Write(encodeBlock(response)); err != nil {
		s.t.Logf("amitest: ошибка записи ответа: %v", err)
	}
}

// parseFields разбирает блок на поля по правилам протокола
func parseFields(block []byte) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(string(block), "\r\n") {
		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		fields[key] = value
	}
	return fields
}

// encodeBlock сериализует поля в wire-формат, Response/Event первым
func encodeBlock(fields map[string]string) []byte {
	var sb strings.Builder

	writeField := func(k string) {
		sb.WriteString(fmt.Sprintf("%s: %s\r\n", k, fields[k]))
	}

	first := ""
	for _, lead := range []string{"Event", "Response"} {
		if _, ok := fields[lead]; ok {
			first = lead
			writeField(lead)
			break
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != first {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
	}
	sb.WriteString("\r\n")

	return []byte(sb.String())
}
