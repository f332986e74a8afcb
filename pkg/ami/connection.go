package ami

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnectionState состояние соединения с AMI
type ConnectionState int32

const (
	// StateDisconnected - соединение отсутствует
	StateDisconnected ConnectionState = iota
	// StateConnected - TCP соединение установлено, приветствие прочитано
	StateConnected
	// StateAuthenticated - Login принят сервером
	StateAuthenticated
)

// String возвращает строковое представление состояния
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateAuthenticated:
		return "Authenticated"
	default:
		return "Unknown"
	}
}

// connection владеет TCP сокетом к management-порту PBX.
//
// Предоставляет байтовые примитивы чтения/записи с дедлайнами.
// Все чтения идут с read-таймаутом, чтобы цикл чтения мог
// периодически проверять живость соединения, а не блокироваться
// навсегда на мёртвом пире.
type connection struct {
	addr           string
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	greeting string
	closed   bool

	state atomic.Int32

	log *zap.Logger
}

func newConnection(host string, port int, connectTimeout, readTimeout time.Duration, log *zap.Logger) *connection {
	return &connection{
		addr:           net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
		writeTimeout:   connectTimeout,
		log:            log,
	}
}

// open устанавливает TCP соединение и читает приветствие сервера.
// Строка приветствия (например "Asterisk Call Manager/5.0.2") сохраняется
// для диагностики и в протокольном обмене дальше не участвует.
func (c *connection) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	c.log.Info("подключение к AMI", zap.String("addr", c.addr))

	conn, err := net.DialTimeout("tcp", c.addr, c.connectTimeout)
	if err != nil {
		return ErrConnectionFailed(c.addr, err)
	}

	reader := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(c.connectTimeout))
	greeting, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return ErrConnectionFailed(c.addr, err).WithField("stage", "greeting")
	}

	c.conn = conn
	c.reader = reader
	c.greeting = strings.TrimSpace(greeting)
	c.closed = false
	c.state.Store(int32(StateConnected))

	c.log.Debug("приветствие AMI получено", zap.String("greeting", c.greeting))
	return nil
}

// read читает доступные байты с read-дедлайном.
// Истечение дедлайна возвращается как есть: вызывающий цикл чтения
// распознаёт его через net.Error.Timeout() и продолжает работу.
func (c *connection) read(buf []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	reader := c.reader
	c.mu.Unlock()

	if conn == nil {
		return 0, net.ErrClosed
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	return reader.Read(buf)
}

// write отправляет байты с write-дедлайном
func (c *connection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrConnectionLost(net.ErrClosed)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return ErrConnectionLost(err)
	}
	return nil
}

// close закрывает сокет. Идемпотентен, безопасен из любого состояния.
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
	c.state.Store(int32(StateDisconnected))
}

// Greeting возвращает строку приветствия сервера
func (c *connection) Greeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// State возвращает текущее состояние соединения
func (c *connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// isTimeout сообщает, является ли ошибка истечением read-дедлайна
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
