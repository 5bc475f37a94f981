package devserver

import (
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Authorizer decides whether a socket may join topic. socketParams are the
// query parameters of the WebSocket upgrade; joinParams the phx_join payload.
type Authorizer func(topic string, socketParams url.Values, joinParams map[string]interface{}) bool

type Options struct {
	// Path of the WebSocket transport.
	Path string

	// Topics are the joinable topic patterns. A trailing "*" matches any
	// suffix. Empty means every topic.
	Topics []string

	Authorize Authorizer

	// PubSub fans broadcasts and presence out to other nodes. Defaults to
	// a LocalPubSub owned by the server.
	PubSub PubSub

	// TopicPrefix namespaces pubsub topics.
	TopicPrefix string

	MaxMessageSize    int64
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	SendChannelBuffer int

	Logger zerolog.Logger
}

func DefaultOptions() *Options {
	return &Options{
		Path:              "/socket/websocket",
		TopicPrefix:       "phxredux",
		MaxMessageSize:    512 * 1024,
		PingInterval:      50 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		SendChannelBuffer: 256,
		Logger:            zerolog.Nop(),
	}
}

func (o *Options) withDefaults() *Options {
	defaults := DefaultOptions()
	out := *o
	if out.Path == "" {
		out.Path = defaults.Path
	}
	if out.TopicPrefix == "" {
		out.TopicPrefix = defaults.TopicPrefix
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaults.PingInterval
	}
	if out.PongWait <= 0 {
		out.PongWait = defaults.PongWait
	}
	if out.WriteWait <= 0 {
		out.WriteWait = defaults.WriteWait
	}
	if out.SendChannelBuffer <= 0 {
		out.SendChannelBuffer = defaults.SendChannelBuffer
	}
	return &out
}

// TokenAuthorizer admits sockets whose "token" param equals token.
func TokenAuthorizer(token string) Authorizer {
	return func(_ string, socketParams url.Values, _ map[string]interface{}) bool {
		return socketParams.Get("token") == token
	}
}
