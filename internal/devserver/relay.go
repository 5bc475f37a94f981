package devserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// envelope is what travels between nodes.
type envelope struct {
	Node    string          `json:"node"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// relay puts channel events on a PubSub under "<prefix>:<topic>.<event>"
// and hands back the events published by other nodes.
type relay struct {
	pubsub PubSub
	node   string
	prefix string
	logger zerolog.Logger
}

func newRelay(pubsub PubSub, node, prefix string, logger zerolog.Logger) *relay {
	return &relay{pubsub: pubsub, node: node, prefix: prefix, logger: logger}
}

func (r *relay) publish(topic, event string, payload json.RawMessage) error {
	data, err := json.Marshal(envelope{Node: r.node, Topic: topic, Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("relay: encode %s %s: %w", topic, event, err)
	}
	return r.pubsub.Publish(formatTopic(r.prefix, topic, event), data)
}

// listen calls receive for every event another node publishes. Envelopes
// from this node and undecodable ones are dropped.
func (r *relay) listen(receive func(envelope)) error {
	return r.pubsub.Subscribe(channelPattern(r.prefix), func(topic string, data []byte) {
		env, err := r.decode(data)
		if err != nil {
			r.logger.Warn().Err(err).Str("pubsub_topic", topic).Msg("dropping envelope")
			return
		}
		if env.Node == r.node {
			return
		}
		receive(env)
	})
}

func (r *relay) stop() error {
	return r.pubsub.Unsubscribe(channelPattern(r.prefix))
}

var errNoNode = errors.New("relay: envelope without node")

func (r *relay) decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("relay: decode: %w", err)
	}
	if env.Node == "" {
		return envelope{}, errNoNode
	}
	return env, nil
}
