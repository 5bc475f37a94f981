// Package realtime defines the socket, channel and push contracts the
// phoenix-to-redux middleware drives, together with the presence
// synchronisation primitives that sit on top of any Channel.
package realtime

import (
	"time"
)

// Status is the outcome of a push or join reply.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// ReadyState mirrors the WebSocket readyState of a socket's transport.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

// String returns the lower-case name of the ready state.
func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState represents the state of a channel on its socket.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelErrored ChannelState = "errored"
	ChannelJoined  ChannelState = "joined"
	ChannelJoining ChannelState = "joining"
	ChannelLeaving ChannelState = "leaving"
)

// CloseEvent describes why a socket transport closed.
type CloseEvent struct {
	Code   int
	Reason string
	Clean  bool
}

// Binding is one event listener registered on a channel.
type Binding struct {
	Event string
	Ref   int
}

// Callback receives a decoded JSON payload.
type Callback func(payload interface{})

// Push is a single request sent on a channel. Exactly one of the ok, error
// or timeout hooks fires per attempt.
type Push interface {
	Receive(status Status, callback Callback) Push
}

// Channel is a topic multiplexed over a socket.
type Channel interface {
	Topic() string
	State() ChannelState
	JoinRef() string
	Join(timeout time.Duration) Push
	Leave(timeout time.Duration) Push
	Push(event string, payload interface{}, timeout time.Duration) Push
	On(event string, callback Callback) int
	Off(event string, refs ...int)
	Bindings() []Binding
	OnClose(callback Callback) int
	OnError(callback Callback) int
}

// Socket is a single realtime connection carrying any number of channels.
// The On* registrations return a function that removes the callback.
type Socket interface {
	ID() string
	EndPoint() string
	Params() map[string]interface{}
	Connect() error
	Disconnect(code int, reason string) error
	ReadyState() ReadyState
	IsConnected() bool
	OnOpen(callback func()) func()
	OnClose(callback func(CloseEvent)) func()
	OnError(callback func(error)) func()
	Channel(topic string, params map[string]interface{}) Channel
	Channels() []Channel
	Remove(channel Channel)
}

// Factory builds an unconnected socket for a canonical endpoint.
type Factory func(endpoint string, params map[string]interface{}) (Socket, error)

// HasBinding reports whether the channel currently has a listener for event.
// It always asks the live channel rather than a cached copy.
func HasBinding(channel Channel, event string) bool {
	if channel == nil {
		return false
	}
	for _, b := range channel.Bindings() {
		if b.Event == event {
			return true
		}
	}
	return false
}

// FindChannel returns the socket's channel for topic, or nil.
func FindChannel(socket Socket, topic string) Channel {
	if socket == nil {
		return nil
	}
	for _, ch := range socket.Channels() {
		if ch.Topic() == topic {
			return ch
		}
	}
	return nil
}
