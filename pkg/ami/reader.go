package ami

import (
	"sync"

	"go.uber.org/zap"
)

// readerLoop фоновый цикл чтения соединения.
//
// Единственный на соединение. Читает байты, накапливает буфер,
// разрезает его кодеком на завершённые сообщения и маршрутизирует:
// ответы - коррелятору, события - диспетчеру. Никогда не блокируется
// на коде вызывающего: обработчики событий обязаны быть быстрыми
// либо передавать работу в собственные горутины.
type readerLoop struct {
	conn *connection
	corr *correlator
	disp *dispatcher

	stop chan struct{}
	wg   sync.WaitGroup

	// onLost вызывается однократно при потере соединения
	onLost func(err error)

	log *zap.Logger
}

func newReaderLoop(conn *connection, corr *correlator, disp *dispatcher, onLost func(error), log *zap.Logger) *readerLoop {
	return &readerLoop{
		conn:   conn,
		corr:   corr,
		disp:   disp,
		stop:   make(chan struct{}),
		onLost: onLost,
		log:    log,
	}
}

// start запускает цикл чтения в фоновой горутине
func (r *readerLoop) start() {
	r.wg.Add(1)
	go r.run()
}

// shutdown останавливает цикл и дожидается завершения горутины
func (r *readerLoop) shutdown() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.wg.Wait()
}

func (r *readerLoop) run() {
	defer r.wg.Done()

	var buf []byte
	chunk := make([]byte, 4096)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n, err := r.conn.read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			messages, rest := decodeBuffer(buf, r.log)
			// Остаток копируется в начало буфера, чтобы не держать
			// ссылку на разросшийся backing array
			buf = append(buf[:0], rest...)

			for _, msg := range messages {
				r.route(msg)
			}
		}

		if err != nil {
			// Истечение read-дедлайна - не ошибка: цикл продолжает
			// работу и получает шанс заметить запрос на остановку
			if isTimeout(err) {
				continue
			}

			select {
			case <-r.stop:
				// Остановка по Disconnect: сокет закрыт нами же
				return
			default:
			}

			r.log.Error("цикл чтения AMI завершён", zap.Error(err))
			r.conn.setState(StateDisconnected)
			lost := ErrConnectionLost(err)
			r.corr.failAll(lost)
			if r.onLost != nil {
				r.onLost(lost)
			}
			return
		}
	}
}

// route направляет декодированное сообщение потребителю по его типу
func (r *readerLoop) route(msg Message) {
	switch msg.Kind {
	case KindResponse:
		r.corr.deliver(msg)
	case KindEvent:
		r.disp.handle(msg)
	}
}
