package ami_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ami_dialer/pkg/ami"
	"github.com/arzzra/ami_dialer/pkg/ami/amitest"
)

func newTestClient(t *testing.T, srv *amitest.Server, opts ...ami.Option) *ami.Client {
	t.Helper()
	base := []ami.Option{
		ami.WithReadTimeout(50 * time.Millisecond),
		ami.WithActionTimeout(2 * time.Second),
	}
	client := ami.NewClient(ami.Credentials{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Username: "manager",
		Secret:   "secret",
	}, append(base, opts...)...)
	t.Cleanup(client.Disconnect)
	return client
}

// connectAndLogin устанавливает аутентифицированное соединение
func connectAndLogin(t *testing.T, srv *amitest.Server) *ami.Client {
	t.Helper()
	client := newTestClient(t, srv)
	require.NoError(t, client.Connect())
	require.NoError(t, client.Login())
	return client
}

// TestConnectAndLogin проверяет handshake: приветствие, Login, состояния
func TestConnectAndLogin(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := newTestClient(t, srv)
	assert.Equal(t, ami.StateDisconnected, client.State())

	require.NoError(t, client.Connect())
	assert.Equal(t, ami.StateConnected, client.State())
	assert.Contains(t, client.Greeting(), "Asterisk Call Manager")

	require.NoError(t, client.Login())
	assert.Equal(t, ami.StateAuthenticated, client.State())

	received := srv.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "Login", received[0]["Action"])
	assert.Equal(t, "manager", received[0]["Username"])
	assert.Equal(t, "secret", received[0]["Secret"])
	assert.NotEmpty(t, received[0]["ActionID"])
}

// TestLoginRejected проверяет отказ аутентификации: ошибка с причиной
// сервера, состояние остаётся Connected
func TestLoginRejected(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()
	srv.Respond("Login", amitest.ErrorResponse("Authentication failed"))

	client := newTestClient(t, srv)
	require.NoError(t, client.Connect())

	err := client.Login()
	require.Error(t, err)
	assert.Equal(t, "AUTHENTICATION_FAILED", ami.GetErrorCode(err))
	assert.Contains(t, err.Error(), "Authentication failed")
	assert.Equal(t, ami.StateConnected, client.State())
}

// TestActionRequiresAuthentication проверяет запрет команд до Login
func TestActionRequiresAuthentication(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := newTestClient(t, srv)
	require.NoError(t, client.Connect())

	_, err := client.OriginateCall("+79991234567", "SIP", "outbound", "s", 1, "")
	require.Error(t, err)
	assert.Equal(t, "NOT_AUTHENTICATED", ami.GetErrorCode(err))

	err = client.Ping()
	assert.Equal(t, "NOT_AUTHENTICATED", ami.GetErrorCode(err))
}

// TestOriginateCall проверяет постановку вызова: поля Action,
// клиентский callID в переменной канала, начальный статус записи
func TestOriginateCall(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := connectAndLogin(t, srv)

	res, err := client.OriginateCall("+79991234567", "SIP", "outbound", "s", 1, "Agent <1000>")
	require.NoError(t, err)
	assert.NotEmpty(t, res.CallID)
	assert.Equal(t, ami.StatusOriginating, res.Record.Status)
	assert.Equal(t, "SIP/+79991234567", res.Record.Channel)

	received := srv.Received()
	require.Len(t, received, 2) // Login, Originate
	originate := received[1]
	assert.Equal(t, "Originate", originate["Action"])
	assert.Equal(t, "SIP/+79991234567", originate["Channel"])
	assert.Equal(t, "outbound", originate["Context"])
	assert.Equal(t, "s", originate["Exten"])
	assert.Equal(t, "1", originate["Priority"])
	assert.Equal(t, "true", originate["Async"])
	assert.Equal(t, "Agent <1000>", originate["CallerID"])
	assert.Equal(t, "CALL_ID="+res.CallID, originate["Variable"])

	record, err := client.GetCallStatus(res.CallID)
	require.NoError(t, err)
	assert.Equal(t, ami.StatusOriginating, record.Status)
}

// TestOriginateRejected проверяет отказ PBX с передачей причины
func TestOriginateRejected(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()
	srv.Respond("Originate", amitest.ErrorResponse("Extension does not exist"))

	client := connectAndLogin(t, srv)

	_, err := client.OriginateCall("+79991234567", "SIP", "outbound", "s", 1, "")
	require.Error(t, err)
	assert.Equal(t, "ORIGINATE_REJECTED", ami.GetErrorCode(err))
	assert.Empty(t, client.ListActiveCalls(), "запись не создаётся при отказе")
}

// TestCallLifecycleThroughEvents прогоняет полный жизненный цикл вызова
// через инжектированные события сервера
func TestCallLifecycleThroughEvents(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := connectAndLogin(t, srv)

	res, err := client.OriginateCall("+79991234567", "SIP", "outbound", "s", 1, "")
	require.NoError(t, err)

	waitStatus := func(want ami.CallStatus) {
		t.Helper()
		require.Eventually(t, func() bool {
			record, statusErr := client.GetCallStatus(res.CallID)
			return statusErr == nil && record.Status == want
		}, 2*time.Second, 10*time.Millisecond, "ожидался статус %s", want)
	}

	srv.SendEvent(map[string]string{
		"Event": "Newchannel", "Channel": res.Record.Channel, "Uniqueid": "167000.123",
	})
	waitStatus(ami.StatusRinging)

	record, _ := client.GetCallStatus(res.CallID)
	assert.Equal(t, "167000.123", record.UniqueID)

	srv.SendEvent(map[string]string{
		"Event": "Dial", "Channel": res.Record.Channel, "SubEvent": "Answer",
	})
	waitStatus(ami.StatusAnswered)

	srv.SendEvent(map[string]string{
		"Event": "Bridge", "Channel1": res.Record.Channel, "Channel2": "SIP/2000",
	})
	waitStatus(ami.StatusConnected)

	srv.SendEvent(map[string]string{
		"Event": "Hangup", "Channel": res.Record.Channel, "Cause": "16",
	})
	waitStatus(ami.StatusEnded)

	record, _ = client.GetCallStatus(res.CallID)
	assert.Equal(t, "16", record.HangupCause)
	assert.Empty(t, client.ListActiveCalls())
}

// TestHangupCall проверяет завершение вызова: Hangup уходит с каналом
// записи, статус меняется только по событию от сервера
func TestHangupCall(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := connectAndLogin(t, srv)

	res, err := client.OriginateCall("+79991234567", "SIP", "outbound", "s", 1, "")
	require.NoError(t, err)

	require.NoError(t, client.HangupCall(res.CallID))

	received := srv.Received()
	hangup := received[len(received)-1]
	assert.Equal(t, "Hangup", hangup["Action"])
	assert.Equal(t, res.Record.Channel, hangup["Channel"])

	// Ответ Success на Hangup сам по себе не завершает запись
	record, _ := client.GetCallStatus(res.CallID)
	assert.Equal(t, ami.StatusOriginating, record.Status)

	srv.SendEvent(map[string]string{
		"Event": "Hangup", "Channel": res.Record.Channel, "Cause": "16",
	})
	require.Eventually(t, func() bool {
		record, _ := client.GetCallStatus(res.CallID)
		return record.Status == ami.StatusEnded
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHangupUnknownCall проверяет ошибку UnknownCall
func TestHangupUnknownCall(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := connectAndLogin(t, srv)

	err := client.HangupCall("call_нет_такого")
	require.Error(t, err)
	assert.Equal(t, "UNKNOWN_CALL", ami.GetErrorCode(err))
}

// TestConcurrentActionsCorrelation проверяет корреляцию по ActionID
// через реальный сокет: каждый вызывающий получает свой ответ
func TestConcurrentActionsCorrelation(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	// Responder эхом возвращает маркер вызывающего
	srv.Respond("Ping", func(action map[string]string) map[string]string {
		return map[string]string{"Response": "Success", "Marker": action["Marker"]}
	})

	client := connectAndLogin(t, srv)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			marker := fmt.Sprintf("worker-%d", i)
			resp, err := client.Send(ami.Action{"Action": "Ping", "Marker": marker})
			assert.NoError(t, err)
			assert.Equal(t, marker, resp.Get("Marker"), "получен чужой ответ")
		}(i)
	}
	wg.Wait()
}

// TestActionTimeoutThenCleanMatching воспроизводит опоздавший ответ:
// команда истекает по таймауту, её ответ приходит позже и отбрасывается,
// следующая команда сопоставляется корректно
func TestActionTimeoutThenCleanMatching(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()
	srv.Respond("Ping", amitest.Silent())

	client := newTestClient(t, srv, ami.WithActionTimeout(150*time.Millisecond))
	require.NoError(t, client.Connect())
	require.NoError(t, client.Login())

	err := client.Ping()
	require.Error(t, err)
	assert.True(t, ami.IsTimeout(err))

	// Сервер отвечает на истёкший Ping с опозданием
	received := srv.Received()
	stale := received[len(received)-1]
	require.Equal(t, "Ping", stale["Action"])
	srv.SendResponse(map[string]string{
		"Response": "Success", "ActionID": stale["ActionID"], "Marker": "stale",
	})

	// Следующая команда не должна получить опоздавший ответ
	resp, err := client.Send(ami.Action{"Action": "Status", "Marker": "fresh"})
	require.NoError(t, err)
	assert.NotEqual(t, "stale", resp.Get("Marker"))
}

// TestCallbacksOnEvents проверяет колбэки: порядок, изоляция паники,
// сырые поля события
func TestCallbacksOnEvents(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := connectAndLogin(t, srv)

	var mu sync.Mutex
	var got []string
	client.RegisterCallback("Hangup", func(ami.Message) {
		panic("первый обработчик упал")
	})
	client.RegisterCallback("Hangup", func(event ami.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event.Get("Cause"))
	})

	srv.SendEvent(map[string]string{
		"Event": "Hangup", "Channel": "SIP/1000", "Cause": "21",
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "21"
	}, 2*time.Second, 10*time.Millisecond,
		"второй обработчик должен отработать несмотря на панику первого")
}

// TestConnectionLostFailsPending проверяет, что разрыв соединения
// завершает незавершённые команды ошибкой ConnectionLost, а не таймаутом
func TestConnectionLostFailsPending(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()
	srv.Respond("Ping", amitest.Silent())

	client := newTestClient(t, srv, ami.WithActionTimeout(10*time.Second))
	require.NoError(t, client.Connect())
	require.NoError(t, client.Login())

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Ping()
	}()

	// Дожидаемся, пока Ping дойдёт до сервера, и рвём соединение
	require.Eventually(t, func() bool {
		for _, a := range srv.Received() {
			if a["Action"] == "Ping" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	srv.DropConnection()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "CONNECTION_LOST", ami.GetErrorCode(err))
	case <-time.After(3 * time.Second):
		t.Fatal("ожидающий не был разбужен при потере соединения")
	}
	assert.Equal(t, ami.StateDisconnected, client.State())
}

// TestDisconnectSendsLogoff проверяет вежливое отключение
func TestDisconnectSendsLogoff(t *testing.T) {
	srv := amitest.NewServer(t)
	defer srv.Close()

	client := connectAndLogin(t, srv)
	client.Disconnect()

	assert.Equal(t, ami.StateDisconnected, client.State())

	var actions []string
	for _, a := range srv.Received() {
		actions = append(actions, a["Action"])
	}
	assert.Contains(t, strings.Join(actions, ","), "Logoff")

	// Идемпотентность
	assert.NotPanics(t, client.Disconnect)
}
