package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Protocol events
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventLeave     = "phx_leave"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
)

const (
	phoenixTopic    = "phoenix"
	protocolVersion = "2.0.0"
	transportPath   = "/websocket"
)

// Message is a single protocol frame. On the wire it is the JSON array
// [join_ref, ref, topic, event, payload].
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload interface{}
}

// MarshalJSON encodes the message as a protocol array. Empty refs are null.
func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{nullable(m.JoinRef), nullable(m.Ref), m.Topic, m.Event, payload})
}

func nullable(ref string) interface{} {
	if ref == "" {
		return nil
	}
	return ref
}

// decodeMessage parses a protocol array frame.
func decodeMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, badFrame("invalid json")
	}

	frame := gjson.ParseBytes(data)
	if !frame.IsArray() {
		return Message{}, badFrame("frame is not an array")
	}

	parts := frame.Array()
	if len(parts) != 5 {
		return Message{}, badFrame(fmt.Sprintf("expected 5 elements, got %d", len(parts)))
	}

	return Message{
		JoinRef: refString(parts[0]),
		Ref:     refString(parts[1]),
		Topic:   parts[2].String(),
		Event:   parts[3].String(),
		Payload: parts[4].Value(),
	}, nil
}

func refString(r gjson.Result) string {
	if r.Type == gjson.Null {
		return ""
	}
	return r.String()
}

// replyStatus extracts status and response from a phx_reply payload.
func replyStatus(payload interface{}) (string, interface{}) {
	body, ok := payload.(map[string]interface{})
	if !ok {
		return "", nil
	}
	status, _ := body["status"].(string)
	return status, body["response"]
}

// Config holds socket tuning knobs.
type Config struct {
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	RejoinInterval    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	Logger            *zerolog.Logger
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:           10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: 1 * time.Second,
		MaxReconnectTries: -1, // infinite retries
		RejoinInterval:    1 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
}

func (c *Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// backoff returns the wait before the given attempt, capped at 30s.
func backoff(attempt int, interval time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := time.Duration(attempt) * interval
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	return wait
}
