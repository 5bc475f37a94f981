package phxredux

import (
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

func SelectSocket(state State) realtime.Socket {
	return state.Socket
}

func SelectSocketStatus(state State) SocketStatus {
	return state.SocketStatus
}

func SelectDomain(state State) string {
	return state.Domain
}

func SelectChannels(state State) map[string]realtime.Channel {
	return state.Channels
}

// SelectChannelByName returns the joined channel for topic, or nil.
func SelectChannelByName(state State, topic string) realtime.Channel {
	if state.Channels == nil {
		return nil
	}
	return state.Channels[topic]
}

// SelectPresence returns the last presence list synced for topic.
func SelectPresence(state State, topic string) []realtime.PresenceEntry {
	return state.ChannelPresence[topic].Users
}

// SelectIsLoading reports whether a loading status is set for topic and
// key. An empty key asks whether anything on the topic is loading.
func SelectIsLoading(state State, topic, key string) bool {
	keys := state.Loading[topic]
	if key == "" {
		return len(keys) > 0
	}
	return keys[key]
}
