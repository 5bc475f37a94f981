package phxredux

import (
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

// SocketStatus is the connection status recorded in State.
type SocketStatus int

const (
	SocketClosed SocketStatus = iota
	SocketConnecting
	SocketConnected
	SocketErrored
)

func (s SocketStatus) String() string {
	switch s {
	case SocketClosed:
		return "closed"
	case SocketConnecting:
		return "connecting"
	case SocketConnected:
		return "connected"
	case SocketErrored:
		return "error"
	default:
		return "unknown"
	}
}

// ChannelPresence is the presence record of one topic.
type ChannelPresence struct {
	Presence *realtime.Presence
	Users    []realtime.PresenceEntry
}

// State is the observable phoenix state.
type State struct {
	Socket          realtime.Socket
	Domain          string
	Details         map[string]interface{}
	Channels        map[string]realtime.Channel
	ChannelPresence map[string]ChannelPresence
	SocketStatus    SocketStatus
	Message         string
	Loading         map[string]map[string]bool
}

// InitialState is the state before any socket exists.
func InitialState() State {
	return State{
		Channels:        map[string]realtime.Channel{},
		ChannelPresence: map[string]ChannelPresence{},
		Loading:         map[string]map[string]bool{},
	}
}

// Reduce is the phoenix reducer. Maps in the input are copied before any
// change so earlier states stay valid.
func Reduce(state State, action Action) State {
	switch action.Type {
	case PhoenixUpdateLogin:
		details, ok := action.Data.(LoginDetails)
		if !ok {
			return state
		}
		state.Details = map[string]interface{}{"token": details.Token, "agent_id": details.AgentID}
		if details.Domain != "" {
			state.Domain = DomainKeyFromURL(FormatSocketDomain(details.Domain))
		}
		return state

	case PhoenixClearLogin:
		state.Domain = ""
		state.Details = nil
		return state

	case SocketConnect:
		ev, ok := action.Data.(SocketEvent)
		if !ok || ev.Socket == nil {
			return state
		}
		if state.Socket != ev.Socket {
			state.Channels = map[string]realtime.Channel{}
			state.ChannelPresence = map[string]ChannelPresence{}
		}
		state.Socket = ev.Socket
		state.SocketStatus = SocketConnecting
		state.Message = ""
		state.Details = ev.Socket.Params()
		state.Domain = DomainKeyFromURL(ev.Socket.EndPoint())
		return state

	case SocketOpen:
		if ev, ok := action.Data.(SocketEvent); ok && ev.Socket != nil {
			state.Socket = ev.Socket
		}
		state.SocketStatus = SocketConnected
		state.Message = ""
		return state

	case SocketError:
		state.SocketStatus = SocketErrored
		if ev, ok := action.Data.(SocketEvent); ok {
			state.Message = ev.Message
		}
		return state

	case SocketClose:
		next := InitialState()
		next.Domain = state.Domain
		next.Details = state.Details
		return next

	case SocketDisconnect:
		return InitialState()

	case ChannelJoin, ChannelUpdated:
		ev, ok := action.Data.(ChannelEvent)
		if !ok || ev.Channel == nil {
			return state
		}
		state.Channels = copyChannels(state.Channels)
		state.Channels[ev.Channel.Topic()] = ev.Channel
		if ev.Presence != nil {
			state.ChannelPresence = copyPresence(state.ChannelPresence)
			entry := state.ChannelPresence[ev.Channel.Topic()]
			entry.Presence = ev.Presence
			state.ChannelPresence[ev.Channel.Topic()] = entry
		}
		return state

	case ChannelLeave, ChannelClose:
		ev, ok := action.Data.(ChannelEvent)
		if !ok {
			return state
		}
		state.Channels = copyChannels(state.Channels)
		delete(state.Channels, ev.ChannelTopic)
		state.ChannelPresence = copyPresence(state.ChannelPresence)
		delete(state.ChannelPresence, ev.ChannelTopic)
		return state

	case ChannelPresenceUpdate:
		ev, ok := action.Data.(PresenceUpdate)
		if !ok || ev.Channel == nil {
			return state
		}
		topic := ev.Channel.Topic()
		state.ChannelPresence = copyPresence(state.ChannelPresence)
		entry := state.ChannelPresence[topic]
		entry.Users = ev.List
		state.ChannelPresence[topic] = entry
		return state

	case ChannelLoadingStatus:
		p, ok := action.Data.(Progress)
		if !ok {
			return state
		}
		state.Loading = copyLoading(state.Loading)
		keys := make(map[string]bool, len(state.Loading[p.ChannelTopic])+1)
		for k, v := range state.Loading[p.ChannelTopic] {
			keys[k] = v
		}
		keys[p.LoadingStatusKey] = true
		state.Loading[p.ChannelTopic] = keys
		return state

	case ChannelProgressEnded:
		p, ok := action.Data.(Progress)
		if !ok || state.Loading[p.ChannelTopic] == nil {
			return state
		}
		state.Loading = copyLoading(state.Loading)
		keys := make(map[string]bool, len(state.Loading[p.ChannelTopic]))
		for k, v := range state.Loading[p.ChannelTopic] {
			if k != p.LoadingStatusKey {
				keys[k] = v
			}
		}
		if len(keys) == 0 {
			delete(state.Loading, p.ChannelTopic)
		} else {
			state.Loading[p.ChannelTopic] = keys
		}
		return state
	}

	return state
}

func copyChannels(in map[string]realtime.Channel) map[string]realtime.Channel {
	out := make(map[string]realtime.Channel, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPresence(in map[string]ChannelPresence) map[string]ChannelPresence {
	out := make(map[string]ChannelPresence, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLoading(in map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
