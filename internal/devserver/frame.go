package devserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventLeave     = "phx_leave"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"

	eventPresenceState = "presence_state"
	eventPresenceDiff  = "presence_diff"

	phoenixTopic = "phoenix"
)

const (
	reasonUnauthorized   = "unauthorized"
	reasonUnmatchedTopic = "unmatched topic"
)

// frame is a V2 protocol message, [join_ref, ref, topic, event, payload]
// on the wire.
type frame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload interface{}
}

var errBadFrame = errors.New("devserver: bad frame")

func (f frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{nullRef(f.JoinRef), nullRef(f.Ref), f.Topic, f.Event, payload})
}

func nullRef(ref string) interface{} {
	if ref == "" {
		return nil
	}
	return ref
}

func parseFrame(data []byte) (frame, error) {
	if !gjson.ValidBytes(data) {
		return frame{}, fmt.Errorf("%w: invalid json", errBadFrame)
	}
	parts := gjson.ParseBytes(data).Array()
	if len(parts) != 5 {
		return frame{}, fmt.Errorf("%w: expected 5 elements, got %d", errBadFrame, len(parts))
	}

	ref := func(r gjson.Result) string {
		if r.Type == gjson.Null {
			return ""
		}
		return r.String()
	}
	return frame{
		JoinRef: ref(parts[0]),
		Ref:     ref(parts[1]),
		Topic:   parts[2].String(),
		Event:   parts[3].String(),
		Payload: parts[4].Value(),
	}, nil
}

func replyFrame(to frame, status string, response interface{}) frame {
	if response == nil {
		response = map[string]interface{}{}
	}
	return frame{
		JoinRef: to.JoinRef,
		Ref:     to.Ref,
		Topic:   to.Topic,
		Event:   eventReply,
		Payload: map[string]interface{}{"status": status, "response": response},
	}
}

func errorReply(to frame, reason string) frame {
	return replyFrame(to, "error", map[string]interface{}{"reason": reason})
}
