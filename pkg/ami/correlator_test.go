package ami

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWriter собирает записанные Action, не отправляя их никуда
type fakeWriter struct {
	mu     sync.Mutex
	blocks []Action
	err    error
}

func (w *fakeWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	// Разбираем записанный блок обратно в поля для проверок
	action := make(Action)
	for _, line := range strings.Split(string(data), "\r\n") {
		if key, value, found := strings.Cut(line, ": "); found {
			action[key] = value
		}
	}
	w.blocks = append(w.blocks, action)
	return nil
}

func (w *fakeWriter) written() []Action {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Action, len(w.blocks))
	copy(out, w.blocks)
	return out
}

// TestSendMatchesResponseByActionID проверяет главное свойство коррелятора:
// при нескольких Action в полёте каждый ожидающий получает ровно тот
// ответ, чей ActionID совпал с его командой, независимо от порядка
// прихода ответов
func TestSendMatchesResponseByActionID(t *testing.T) {
	corr := newCorrelator(zap.NewNop(), nil)
	w := &fakeWriter{}

	const workers = 10

	var wg sync.WaitGroup
	results := make([]Message, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = corr.send(w, Action{
				"Action": "Ping",
				"Marker": fmt.Sprintf("worker-%d", i),
			}, 2*time.Second)
		}(i)
	}

	// Дожидаемся, пока все команды окажутся в полёте
	require.Eventually(t, func() bool {
		return len(w.written()) == workers
	}, time.Second, 5*time.Millisecond)

	// Отвечаем в обратном порядке отправки, эхом возвращая Marker
	written := w.written()
	for i := len(written) - 1; i >= 0; i-- {
		corr.deliver(Message{Kind: KindResponse, Fields: map[string]string{
			"Response": "Success",
			"ActionID": written[i]["ActionID"],
			"Marker":   written[i]["Marker"],
		}})
	}

	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("worker-%d", i), results[i].Get("Marker"),
			"ожидающий получил чужой ответ")
	}
	assert.Equal(t, 0, corr.pendingCount())
}

// TestSendTimeoutEvictsPending проверяет, что по таймауту запись
// вычищается, опоздавший ответ отбрасывается и не достаётся
// следующему Action
func TestSendTimeoutEvictsPending(t *testing.T) {
	corr := newCorrelator(zap.NewNop(), nil)
	w := &fakeWriter{}

	_, err := corr.send(w, Action{"Action": "Ping"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, "ACTION_TIMEOUT", GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, corr.pendingCount(), "запись должна быть вычищена по таймауту")

	staleID := w.written()[0]["ActionID"]

	// Опоздавший ответ: не должен ни паниковать, ни кому-либо достаться
	corr.deliver(Message{Kind: KindResponse, Fields: map[string]string{
		"Response": "Success",
		"ActionID": staleID,
		"Marker":   "stale",
	}})

	// Следующий Action получает свой собственный ответ, а не опоздавший
	done := make(chan Message, 1)
	sendErrs := make(chan error, 1)
	go func() {
		msg, sendErr := corr.send(w, Action{"Action": "Status"}, time.Second)
		sendErrs <- sendErr
		done <- msg
	}()

	require.Eventually(t, func() bool {
		return corr.pendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	freshID := w.written()[1]["ActionID"]
	require.NotEqual(t, staleID, freshID)
	corr.deliver(Message{Kind: KindResponse, Fields: map[string]string{
		"Response": "Success",
		"ActionID": freshID,
		"Marker":   "fresh",
	}})

	require.NoError(t, <-sendErrs)
	msg := <-done
	assert.Equal(t, "fresh", msg.Get("Marker"))
}

// TestActionIDMonotonic проверяет уникальность и монотонность ActionID
func TestActionIDMonotonic(t *testing.T) {
	corr := newCorrelator(zap.NewNop(), nil)

	prev := corr.nextActionID()
	for i := 0; i < 100; i++ {
		next := corr.nextActionID()
		assert.NotEqual(t, prev, next)
		prev = next
	}
}

// TestFailAllDeliversError проверяет, что потеря соединения завершает
// все незавершённые Action ошибкой ConnectionLost
func TestFailAllDeliversError(t *testing.T) {
	corr := newCorrelator(zap.NewNop(), nil)
	w := &fakeWriter{}

	errCh := make(chan error, 1)
	go func() {
		_, err := corr.send(w, Action{"Action": "Ping"}, 5*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return corr.pendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	corr.failAll(ErrConnectionLost(nil))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "CONNECTION_LOST", GetErrorCode(err))
	case <-time.After(time.Second):
		t.Fatal("ожидающий не был разбужен failAll")
	}
	assert.Equal(t, 0, corr.pendingCount())
}

// TestSendWriteErrorEvicts проверяет очистку записи при ошибке записи в сокет
func TestSendWriteErrorEvicts(t *testing.T) {
	corr := newCorrelator(zap.NewNop(), nil)
	w := &fakeWriter{err: ErrConnectionLost(nil)}

	_, err := corr.send(w, Action{"Action": "Ping"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, 0, corr.pendingCount())
}
