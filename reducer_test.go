package phxredux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

func connectedState(t *testing.T) (State, *fakeSocket, *fakeChannel) {
	t.Helper()

	socket := newFakeSocket("socket-1", "ws://localhost:4000/socket", map[string]interface{}{"token": "abc"})
	channel := socket.Channel("room:1", nil).(*fakeChannel)

	state := Reduce(InitialState(), Action{Type: SocketConnect, Data: SocketEvent{Socket: socket}})
	state = Reduce(state, Action{Type: SocketOpen, Data: SocketEvent{Socket: socket}})
	state = Reduce(state, Action{Type: ChannelJoin, Data: ChannelEvent{Channel: channel, ChannelTopic: "room:1"}})
	state = Reduce(state, Action{Type: ChannelPresenceUpdate, Data: PresenceUpdate{
		List:    []realtime.PresenceEntry{{ID: "u1"}},
		Channel: channel,
	}})
	return state, socket, channel
}

func TestReduceSocketConnect(t *testing.T) {
	state, socket, _ := connectedState(t)

	assert.Equal(t, socket, SelectSocket(state))
	assert.Equal(t, SocketConnected, SelectSocketStatus(state))
	assert.Equal(t, "localhost:4000", SelectDomain(state))
	assert.Equal(t, map[string]interface{}{"token": "abc"}, state.Details)
}

func TestReduceSocketConnectNewSocketDropsChannels(t *testing.T) {
	state, _, _ := connectedState(t)
	other := newFakeSocket("socket-2", "ws://localhost:4000/socket", nil)

	state = Reduce(state, Action{Type: SocketConnect, Data: SocketEvent{Socket: other}})

	assert.Equal(t, SocketConnecting, state.SocketStatus)
	assert.Empty(t, state.Channels)
	assert.Empty(t, state.ChannelPresence)
}

func TestReduceDisconnectResetsFully(t *testing.T) {
	state, _, _ := connectedState(t)
	require.NotEmpty(t, state.Channels)
	require.NotEmpty(t, state.ChannelPresence)

	state = Reduce(state, Action{Type: SocketDisconnect, Data: SocketEvent{}})

	assert.Nil(t, state.Socket)
	assert.Empty(t, state.Channels)
	assert.Empty(t, state.ChannelPresence)
	assert.Equal(t, SocketClosed, state.SocketStatus)
	assert.Equal(t, InitialState(), state)
}

func TestReduceCloseKeepsLoginDetails(t *testing.T) {
	state, _, _ := connectedState(t)

	state = Reduce(state, Action{Type: SocketClose, Data: SocketEvent{}})

	assert.Nil(t, state.Socket)
	assert.Empty(t, state.Channels)
	assert.Equal(t, SocketClosed, state.SocketStatus)
	assert.Equal(t, "localhost:4000", state.Domain)
	assert.NotNil(t, state.Details)
}

func TestReduceSocketError(t *testing.T) {
	state, _, _ := connectedState(t)

	state = Reduce(state, Action{Type: SocketError, Data: SocketEvent{Error: errors.New("boom"), Message: "Connection to server lost."}})

	assert.Equal(t, SocketErrored, state.SocketStatus)
	assert.Equal(t, "Connection to server lost.", state.Message)
	assert.NotNil(t, state.Socket)
}

func TestReduceChannelLeave(t *testing.T) {
	state, _, channel := connectedState(t)
	before := state

	state = Reduce(state, Action{Type: ChannelLeave, Data: ChannelEvent{Channel: channel, ChannelTopic: "room:1"}})

	assert.Nil(t, SelectChannelByName(state, "room:1"))
	assert.Nil(t, SelectPresence(state, "room:1"))
	assert.Equal(t, channel, SelectChannelByName(before, "room:1"), "earlier state must not change")
}

func TestReducePresenceUpdateReplacesList(t *testing.T) {
	state, _, channel := connectedState(t)

	state = Reduce(state, Action{Type: ChannelPresenceUpdate, Data: PresenceUpdate{
		List:    []realtime.PresenceEntry{{ID: "u2"}, {ID: "u3"}},
		Channel: channel,
	}})

	users := SelectPresence(state, "room:1")
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].ID)
	assert.Equal(t, "u3", users[1].ID)
}

func TestReduceLoadingStatus(t *testing.T) {
	state := InitialState()

	state = Reduce(state, updateLoadingStatus("room:1", "save"))
	state = Reduce(state, updateLoadingStatus("room:1", "load"))
	assert.True(t, SelectIsLoading(state, "room:1", "save"))
	assert.True(t, SelectIsLoading(state, "room:1", ""))

	state = Reduce(state, endProgress("room:1", "save"))
	assert.False(t, SelectIsLoading(state, "room:1", "save"))
	assert.True(t, SelectIsLoading(state, "room:1", "load"))

	state = Reduce(state, endProgress("room:1", "load"))
	assert.False(t, SelectIsLoading(state, "room:1", ""))

	state = Reduce(state, endProgress("room:2", "nothing"))
	assert.False(t, SelectIsLoading(state, "room:2", ""))
}

func TestReduceLoginDetails(t *testing.T) {
	state := Reduce(InitialState(), UpdatePhoenixLoginDetails(LoginDetails{Token: "abc", AgentID: "agent", Domain: "example.com"}))

	assert.Equal(t, map[string]interface{}{"token": "abc", "agent_id": "agent"}, state.Details)
	assert.Equal(t, "example.com", state.Domain)

	state = Reduce(state, ClearPhoenixLoginDetails())
	assert.Nil(t, state.Details)
	assert.Equal(t, "", state.Domain)
}

func TestReduceIgnoresUnknownActions(t *testing.T) {
	state, _, _ := connectedState(t)

	assert.Equal(t, state, Reduce(state, Action{Type: "something/else"}))
	assert.Equal(t, state, Reduce(state, Action{Type: ChannelJoin, Data: "not an event"}))
}

func TestSocketStatusString(t *testing.T) {
	assert.Equal(t, "closed", SocketClosed.String())
	assert.Equal(t, "connecting", SocketConnecting.String())
	assert.Equal(t, "connected", SocketConnected.String())
	assert.Equal(t, "error", SocketErrored.String())
	assert.Equal(t, "unknown", SocketStatus(99).String())
}
