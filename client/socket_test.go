package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type frame struct {
	joinRef interface{}
	ref     interface{}
	topic   string
	event   string
	payload map[string]interface{}
}

// phoenixServer answers joins, leaves and heartbeats the way a Phoenix
// endpoint does. Topics prefixed "denied:" reject joins as unauthorized.
// Pushed events: "ping" replies ok with the payload, "fail" replies error,
// "slow" never replies. After a join the server broadcasts "shout".
func phoenixServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		reply := func(f frame, status string, response interface{}) {
			_ = conn.WriteJSON([]interface{}{f.joinRef, f.ref, f.topic, EventReply, map[string]interface{}{
				"status":   status,
				"response": response,
			}})
		}

		for {
			var raw []interface{}
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			if len(raw) != 5 {
				continue
			}
			f := frame{joinRef: raw[0], ref: raw[1]}
			f.topic, _ = raw[2].(string)
			f.event, _ = raw[3].(string)
			f.payload, _ = raw[4].(map[string]interface{})

			switch f.event {
			case EventHeartbeat, EventLeave:
				reply(f, "ok", map[string]interface{}{})
			case EventJoin:
				if strings.HasPrefix(f.topic, "denied:") {
					reply(f, "error", map[string]interface{}{"reason": "unauthorized"})
					continue
				}
				reply(f, "ok", map[string]interface{}{"joined": f.topic})
				_ = conn.WriteJSON([]interface{}{nil, nil, f.topic, "shout", map[string]interface{}{"body": "welcome"}})
			case "ping":
				reply(f, "ok", f.payload)
			case "fail":
				reply(f, "error", map[string]interface{}{"reason": "bad request"})
			case "slow":
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"
}

func testConfig() *Config {
	config := DefaultConfig()
	config.Timeout = 2 * time.Second
	config.MaxReconnectTries = 0
	return config
}

type outcome struct {
	status   realtime.Status
	response interface{}
}

func await(t *testing.T, push realtime.Push) outcome {
	t.Helper()

	results := make(chan outcome, 3)
	for _, status := range []realtime.Status{realtime.StatusOK, realtime.StatusError, realtime.StatusTimeout} {
		status := status
		push.Receive(status, func(response interface{}) {
			results <- outcome{status: status, response: response}
		})
	}

	select {
	case result := <-results:
		return result
	case <-time.After(3 * time.Second):
		t.Fatal("push never settled")
		return outcome{}
	}
}

func connect(t *testing.T, socket *Socket) {
	t.Helper()

	opened := make(chan struct{}, 1)
	unsubscribe := socket.OnOpen(func() { opened <- struct{}{} })
	defer unsubscribe()

	require.NoError(t, socket.Connect())
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("socket never opened")
	}
	require.True(t, socket.IsConnected())
}

func TestNewSocket(t *testing.T) {
	socket, err := NewSocket("ws://localhost:4000/socket", map[string]interface{}{"token": "abc"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:4000/socket", socket.EndPoint())
	assert.Equal(t, "ws://localhost:4000/socket/websocket?token=abc&vsn=2.0.0", socket.URL())
	assert.Equal(t, map[string]interface{}{"token": "abc"}, socket.Params())
	assert.NotEmpty(t, socket.ID())
	assert.Equal(t, realtime.Closed, socket.ReadyState())
}

func TestNewSocket_SchemeConversion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4000/socket", "ws://localhost:4000/socket"},
		{"https://localhost:4000/socket", "wss://localhost:4000/socket"},
		{"ws://localhost:4000/socket", "ws://localhost:4000/socket"},
		{"wss://example.com/socket/websocket", "wss://example.com/socket"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			socket, err := NewSocket(tt.input, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, socket.EndPoint())
		})
	}
}

func TestNewSocket_InvalidScheme(t *testing.T) {
	_, err := NewSocket("ftp://localhost:4000/socket", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")

	_, err = NewSocket("invalid-url", nil, nil)
	require.Error(t, err)
}

func TestFactory(t *testing.T) {
	socket, err := Factory(nil)("wss://example.com/socket", nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/socket", socket.EndPoint())

	socket, err = Factory(nil)("ftp://example.com", nil)
	require.Error(t, err)
	assert.Nil(t, socket)
}

func TestSocket_JoinAndPush(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	socket, err := NewSocket(wsURL(server), nil, testConfig())
	require.NoError(t, err)
	connect(t, socket)
	defer socket.Disconnect(websocket.CloseNormalClosure, "done")

	channel := socket.Channel("room:lobby", nil)
	shouts := make(chan interface{}, 1)
	channel.On("shout", func(payload interface{}) { shouts <- payload })

	joined := await(t, channel.Join(0))
	assert.Equal(t, realtime.StatusOK, joined.status)
	assert.Equal(t, map[string]interface{}{"joined": "room:lobby"}, joined.response)
	assert.Equal(t, realtime.ChannelJoined, channel.State())
	assert.NotEmpty(t, channel.JoinRef())

	select {
	case payload := <-shouts:
		assert.Equal(t, map[string]interface{}{"body": "welcome"}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	ok := await(t, channel.Push("ping", map[string]interface{}{"n": 1}, time.Second))
	assert.Equal(t, realtime.StatusOK, ok.status)
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, ok.response)

	failed := await(t, channel.Push("fail", nil, time.Second))
	assert.Equal(t, realtime.StatusError, failed.status)
	assert.Equal(t, map[string]interface{}{"reason": "bad request"}, failed.response)

	timedOut := await(t, channel.Push("slow", nil, 50*time.Millisecond))
	assert.Equal(t, realtime.StatusTimeout, timedOut.status)
}

func TestSocket_PushSettlesOnce(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	socket, err := NewSocket(wsURL(server), nil, testConfig())
	require.NoError(t, err)
	connect(t, socket)
	defer socket.Disconnect(websocket.CloseNormalClosure, "done")

	channel := socket.Channel("room:once", nil)
	require.Equal(t, realtime.StatusOK, await(t, channel.Join(0)).status)

	var mu sync.Mutex
	var calls []realtime.Status
	done := make(chan struct{}, 3)
	record := func(status realtime.Status) realtime.Callback {
		return func(interface{}) {
			mu.Lock()
			calls = append(calls, status)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	channel.Push("ping", nil, 100*time.Millisecond).
		Receive(realtime.StatusOK, record(realtime.StatusOK)).
		Receive(realtime.StatusError, record(realtime.StatusError)).
		Receive(realtime.StatusTimeout, record(realtime.StatusTimeout))

	<-done
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []realtime.Status{realtime.StatusOK}, calls)
}

func TestSocket_BuffersUntilOpen(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	socket, err := NewSocket(wsURL(server), nil, testConfig())
	require.NoError(t, err)

	channel := socket.Channel("room:early", nil)
	push := channel.Join(0)

	connect(t, socket)
	defer socket.Disconnect(websocket.CloseNormalClosure, "done")

	assert.Equal(t, realtime.StatusOK, await(t, push).status)
}

func TestChannel_JoinUnauthorized(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	socket, err := NewSocket(wsURL(server), nil, testConfig())
	require.NoError(t, err)
	connect(t, socket)
	defer socket.Disconnect(websocket.CloseNormalClosure, "done")

	channel := socket.Channel("denied:secret", nil)
	result := await(t, channel.Join(0))

	assert.Equal(t, realtime.StatusError, result.status)
	assert.Equal(t, map[string]interface{}{"reason": "unauthorized"}, result.response)
	assert.Equal(t, realtime.ChannelErrored, channel.State())

	channel.Leave(0)
}

func TestChannel_PushBeforeJoin(t *testing.T) {
	socket, err := NewSocket("ws://localhost:4000/socket", nil, testConfig())
	require.NoError(t, err)

	channel := socket.Channel("room:1", nil)
	result := await(t, channel.Push("ping", nil, time.Second))

	assert.Equal(t, realtime.StatusError, result.status)
	assert.Equal(t, map[string]interface{}{"reason": "tried to push before joining"}, result.response)
}

func TestChannel_BindingsAndOff(t *testing.T) {
	socket, err := NewSocket("ws://localhost:4000/socket", nil, nil)
	require.NoError(t, err)

	channel := socket.Channel("room:1", nil)
	first := channel.On("new_msg", func(interface{}) {})
	channel.On("new_msg", func(interface{}) {})
	channel.On("typing", func(interface{}) {})

	assert.True(t, realtime.HasBinding(channel, "new_msg"))
	assert.Len(t, channel.Bindings(), 3)

	channel.Off("new_msg", first)
	assert.True(t, realtime.HasBinding(channel, "new_msg"))
	assert.Len(t, channel.Bindings(), 2)

	channel.Off("new_msg")
	assert.False(t, realtime.HasBinding(channel, "new_msg"))
	assert.True(t, realtime.HasBinding(channel, "typing"))
}

func TestChannel_LeaveRemovesFromSocket(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	socket, err := NewSocket(wsURL(server), nil, testConfig())
	require.NoError(t, err)
	connect(t, socket)
	defer socket.Disconnect(websocket.CloseNormalClosure, "done")

	channel := socket.Channel("room:bye", nil)
	require.Equal(t, realtime.StatusOK, await(t, channel.Join(0)).status)

	closed := make(chan interface{}, 1)
	channel.OnClose(func(payload interface{}) { closed <- payload })

	assert.Equal(t, realtime.StatusOK, await(t, channel.Leave(time.Second)).status)

	select {
	case payload := <-closed:
		assert.Equal(t, "leave", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}
	assert.Equal(t, realtime.ChannelClosed, channel.State())
	assert.Nil(t, realtime.FindChannel(socket, "room:bye"))
}

func TestSocket_Disconnect(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	socket, err := NewSocket(wsURL(server), nil, testConfig())
	require.NoError(t, err)

	closed := make(chan realtime.CloseEvent, 1)
	socket.OnClose(func(event realtime.CloseEvent) { closed <- event })

	connect(t, socket)
	socket.Channel("room:1", nil)

	require.NoError(t, socket.Disconnect(websocket.CloseNormalClosure, "normal closure"))

	select {
	case event := <-closed:
		assert.Equal(t, realtime.CloseEvent{Code: websocket.CloseNormalClosure, Reason: "normal closure", Clean: true}, event)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}
	assert.Equal(t, realtime.Closed, socket.ReadyState())
	assert.Empty(t, socket.Channels())
}

func TestSocket_DialFailure(t *testing.T) {
	server := phoenixServer(t)
	endpoint := wsURL(server)
	server.Close()

	socket, err := NewSocket(endpoint, nil, testConfig())
	require.NoError(t, err)

	errs := make(chan error, 1)
	closed := make(chan realtime.CloseEvent, 1)
	var stateAtError realtime.ReadyState
	socket.OnError(func(err error) {
		stateAtError = socket.ReadyState()
		errs <- err
	})
	socket.OnClose(func(event realtime.CloseEvent) { closed <- event })

	require.NoError(t, socket.Connect())

	select {
	case err := <-errs:
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, StatusServiceUnavailable, e.Code)
		assert.Equal(t, realtime.Closed, stateAtError)
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not fired")
	}

	select {
	case event := <-closed:
		assert.False(t, event.Clean)
		assert.Equal(t, websocket.CloseAbnormalClosure, event.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}
}

func TestSocket_UnsubscribeCallback(t *testing.T) {
	socket, err := NewSocket("ws://localhost:4000/socket", nil, nil)
	require.NoError(t, err)

	calls := 0
	unsubscribe := socket.OnOpen(func() { calls++ })
	unsubscribe()

	for _, cb := range socket.openCallbacks.snapshot() {
		cb()
	}
	assert.Equal(t, 0, calls)
}

func TestSocket_HeartbeatReply(t *testing.T) {
	server := phoenixServer(t)
	defer server.Close()

	config := testConfig()
	config.HeartbeatInterval = 50 * time.Millisecond
	socket, err := NewSocket(wsURL(server), nil, config)
	require.NoError(t, err)
	connect(t, socket)
	defer socket.Disconnect(websocket.CloseNormalClosure, "done")

	time.Sleep(200 * time.Millisecond)
	assert.True(t, socket.IsConnected())
}

func TestMessage_RoundTripThroughServer(t *testing.T) {
	data, err := json.Marshal(Message{Ref: "9", Topic: "room:1", Event: "ping", Payload: map[string]interface{}{"a": "b"}})
	require.NoError(t, err)

	var raw []interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Nil(t, raw[0])
	assert.Equal(t, "9", raw[1])
}
