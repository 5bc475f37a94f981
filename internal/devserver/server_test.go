package devserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts *Options) (*Server, *httptest.Server) {
	t.Helper()

	if opts == nil {
		opts = DefaultOptions()
	}
	srv, err := New(context.Background(), opts)
	require.NoError(t, err)

	httpServer := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		httpServer.Close()
	})
	return srv, httpServer
}

type testClient struct {
	t   *testing.T
	ws  *websocket.Conn
	ref int
}

func dial(t *testing.T, httpServer *httptest.Server, query string) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/socket/websocket?vsn=2.0.0"
	if query != "" {
		url += "&" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(joinRef, topic, event string, payload interface{}) string {
	c.t.Helper()

	c.ref++
	ref := strconv.Itoa(c.ref)
	data, err := json.Marshal(frame{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: payload})
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
	return ref
}

// expect reads frames until one for topic and event arrives.
func (c *testClient) expect(topic, event string) frame {
	c.t.Helper()

	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s %s", topic, event)
		f, err := parseFrame(data)
		require.NoError(c.t, err)
		if f.Topic == topic && f.Event == event {
			return f
		}
	}
}

func (c *testClient) join(topic string, params interface{}) (string, frame) {
	c.t.Helper()

	joinRef := c.send("", topic, eventJoin, params)
	reply := c.expect(topic, eventReply)
	return joinRef, reply
}

func status(f frame) (string, map[string]interface{}) {
	body, _ := f.Payload.(map[string]interface{})
	s, _ := body["status"].(string)
	response, _ := body["response"].(map[string]interface{})
	return s, response
}

func TestServerHeartbeat(t *testing.T) {
	_, httpServer := newTestServer(t, nil)
	client := dial(t, httpServer, "")

	ref := client.send("", phoenixTopic, eventHeartbeat, nil)
	reply := client.expect(phoenixTopic, eventReply)

	assert.Equal(t, ref, reply.Ref)
	s, _ := status(reply)
	assert.Equal(t, "ok", s)
}

func TestServerJoinTracksPresence(t *testing.T) {
	srv, httpServer := newTestServer(t, nil)
	alice := dial(t, httpServer, "agent_id=alice")

	joinRef, reply := alice.join("room:1", map[string]interface{}{})
	s, _ := status(reply)
	require.Equal(t, "ok", s)
	assert.Equal(t, joinRef, reply.JoinRef)

	state := alice.expect("room:1", eventPresenceState)
	assert.Equal(t, joinRef, state.JoinRef)
	assert.Contains(t, state.Payload, "alice")
	alice.expect("room:1", eventPresenceDiff)
	assert.Equal(t, []string{"alice"}, srv.Presence("room:1"))

	bob := dial(t, httpServer, "agent_id=bob")
	bob.join("room:1", nil)
	bobState := bob.expect("room:1", eventPresenceState)
	assert.Contains(t, bobState.Payload, "alice")
	assert.Contains(t, bobState.Payload, "bob")

	diff := alice.expect("room:1", eventPresenceDiff)
	joins := diff.Payload.(map[string]interface{})["joins"].(map[string]interface{})
	assert.Contains(t, joins, "bob")
	assert.Equal(t, []string{"alice", "bob"}, srv.Presence("room:1"))
}

func TestServerPushBroadcasts(t *testing.T) {
	_, httpServer := newTestServer(t, nil)
	alice := dial(t, httpServer, "agent_id=alice")
	bob := dial(t, httpServer, "agent_id=bob")
	aliceRef, _ := alice.join("room:1", nil)
	bob.join("room:1", nil)

	ref := alice.send(aliceRef, "room:1", "shout", map[string]interface{}{"body": "hi"})

	reply := alice.expect("room:1", eventReply)
	assert.Equal(t, ref, reply.Ref)
	s, response := status(reply)
	assert.Equal(t, "ok", s)
	assert.Equal(t, map[string]interface{}{"body": "hi"}, response)

	shout := bob.expect("room:1", "shout")
	assert.Equal(t, map[string]interface{}{"body": "hi"}, shout.Payload)
	alice.expect("room:1", "shout")
}

func TestServerPushToUnjoinedTopic(t *testing.T) {
	_, httpServer := newTestServer(t, nil)
	client := dial(t, httpServer, "")

	client.send("", "room:1", "shout", nil)
	s, response := status(client.expect("room:1", eventReply))

	assert.Equal(t, "error", s)
	assert.Equal(t, reasonUnmatchedTopic, response["reason"])
}

func TestServerUnauthorizedJoin(t *testing.T) {
	opts := DefaultOptions()
	opts.Authorize = TokenAuthorizer("secret")
	srv, httpServer := newTestServer(t, opts)

	intruder := dial(t, httpServer, "token=wrong")
	_, reply := intruder.join("room:1", nil)
	s, response := status(reply)
	assert.Equal(t, "error", s)
	assert.Equal(t, reasonUnauthorized, response["reason"])
	assert.Empty(t, srv.Presence("room:1"))

	member := dial(t, httpServer, "token=secret&agent_id=alice")
	_, reply = member.join("room:1", nil)
	s, _ = status(reply)
	assert.Equal(t, "ok", s)
}

func TestServerUnmatchedTopic(t *testing.T) {
	opts := DefaultOptions()
	opts.Topics = []string{"room:*", "lobby"}
	_, httpServer := newTestServer(t, opts)
	client := dial(t, httpServer, "")

	_, reply := client.join("admin:1", nil)
	s, response := status(reply)
	assert.Equal(t, "error", s)
	assert.Equal(t, reasonUnmatchedTopic, response["reason"])

	_, reply = client.join("room:42", nil)
	s, _ = status(reply)
	assert.Equal(t, "ok", s)

	_, reply = client.join("lobby", nil)
	s, _ = status(reply)
	assert.Equal(t, "ok", s)
}

func TestServerLeave(t *testing.T) {
	srv, httpServer := newTestServer(t, nil)
	alice := dial(t, httpServer, "agent_id=alice")
	joinRef, _ := alice.join("room:1", nil)

	alice.send(joinRef, "room:1", eventLeave, nil)
	s, _ := status(alice.expect("room:1", eventReply))
	assert.Equal(t, "ok", s)
	closed := alice.expect("room:1", eventClose)
	assert.Equal(t, joinRef, closed.JoinRef)

	assert.Empty(t, srv.Presence("room:1"))
}

func TestServerDisconnectUntracks(t *testing.T) {
	srv, httpServer := newTestServer(t, nil)
	alice := dial(t, httpServer, "agent_id=alice")
	bob := dial(t, httpServer, "agent_id=bob")
	alice.join("room:1", nil)
	bob.join("room:1", nil)
	bob.expect("room:1", eventPresenceState)
	require.Equal(t, []string{"alice", "bob"}, srv.Presence("room:1"))

	require.NoError(t, bob.ws.Close())

	var leaves map[string]interface{}
	for leaves == nil || leaves["bob"] == nil {
		diff := alice.expect("room:1", eventPresenceDiff)
		leaves, _ = diff.Payload.(map[string]interface{})["leaves"].(map[string]interface{})
	}
	assert.Equal(t, []string{"alice"}, srv.Presence("room:1"))
}

func TestServerRejectsOtherPaths(t *testing.T) {
	_, httpServer := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http")+"/other", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestServerClose(t *testing.T) {
	opts := DefaultOptions()
	opts.Logger = zerolog.Nop()
	srv, httpServer := newTestServer(t, opts)
	client := dial(t, httpServer, "")
	client.join("room:1", nil)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	require.NoError(t, client.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := client.ws.ReadMessage(); err != nil {
			break
		}
	}
}
