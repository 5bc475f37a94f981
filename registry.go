package phxredux

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

// ChannelRegistry joins channels on a socket and binds their events to
// actions. The socket's own channel list is the registry; nothing is
// cached here.
type ChannelRegistry struct {
	dispatch Dispatch
	presence *PresenceTracker
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewChannelRegistry returns a registry that joins with timeout and
// reports channel events to dispatch.
func NewChannelRegistry(dispatch Dispatch, presence *PresenceTracker, timeout time.Duration, logger zerolog.Logger) *ChannelRegistry {
	return &ChannelRegistry{
		dispatch: dispatch,
		presence: presence,
		logger:   logger.With().Str("component", "channels").Logger(),
		timeout:  timeout,
	}
}

// Find returns the channel for topic on socket. Channels that are leaving
// or closed count as gone.
func (r *ChannelRegistry) Find(socket realtime.Socket, topic string) realtime.Channel {
	channel := realtime.FindChannel(socket, topic)
	if channel == nil {
		return nil
	}
	switch channel.State() {
	case realtime.ChannelLeaving, realtime.ChannelClosed:
		return nil
	}
	return channel
}

// JoinOrAttach joins req.ChannelTopic when the socket has no such channel,
// otherwise it binds the requested events not bound yet. The returned
// action describes the channel and is dispatched by the caller.
func (r *ChannelRegistry) JoinOrAttach(socket realtime.Socket, req JoinRequest) Action {
	topic := req.ChannelTopic
	if !hasValidSocket(socket) {
		return Action{Type: NoPhoenixChannelFound, Data: ChannelEvent{ChannelTopic: topic}}
	}

	channel := r.Find(socket, topic)
	if channel != nil {
		presence := r.presence.Get(channel)
		if req.LogPresence {
			presence = r.presence.Attach(channel)
		}
		r.bindEvents(channel, req.Events)
		return Action{Type: ChannelUpdated, Data: ChannelEvent{
			Channel:        channel,
			ChannelTopic:   topic,
			AdditionalData: req.AdditionalData,
			Presence:       presence,
		}}
	}

	if topic == "" {
		return Action{Type: NoPhoenixChannelFound}
	}

	var params map[string]interface{}
	if req.ChannelToken != "" {
		params = map[string]interface{}{"token": req.ChannelToken}
	}
	channel = socket.Channel(topic, params)
	if channel == nil {
		return Action{Type: NoPhoenixChannelFound, Data: ChannelEvent{ChannelTopic: topic}}
	}

	r.bindLifecycle(channel)

	var presence *realtime.Presence
	if req.LogPresence {
		presence = r.presence.Attach(channel)
	}
	r.bindEvents(channel, req.Events)
	r.join(channel, req.AdditionalData)

	actionType := req.ResponseActionType
	if actionType == "" {
		actionType = ChannelUpdated
	}
	return Action{Type: actionType, Data: ChannelEvent{
		Channel:        channel,
		ChannelTopic:   topic,
		AdditionalData: req.AdditionalData,
		Presence:       presence,
	}}
}

// Leave leaves topic and reports whether there was a channel to leave.
// ChannelLeave is dispatched once the server acknowledges.
func (r *ChannelRegistry) Leave(socket realtime.Socket, topic string) bool {
	channel := r.Find(socket, topic)
	if channel == nil {
		return false
	}

	r.presence.Detach(channel)
	channel.Leave(r.timeout).
		Receive(realtime.StatusOK, func(response interface{}) {
			r.dispatch(Action{Type: ChannelLeave, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Response: response}})
		}).
		Receive(realtime.StatusError, func(response interface{}) {
			r.logger.Warn().Str("topic", topic).Interface("response", response).Msg("leave rejected")
			socket.Remove(channel)
		})
	return true
}

// UnbindEvents removes the listeners of events from topic and dispatches
// one ChannelUpdated.
func (r *ChannelRegistry) UnbindEvents(socket realtime.Socket, topic string, events []string) bool {
	channel := r.Find(socket, topic)
	if channel == nil {
		return false
	}

	for _, event := range events {
		if realtime.HasBinding(channel, event) {
			channel.Off(event)
		}
	}

	r.dispatch(Action{Type: ChannelUpdated, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Presence: r.presence.Get(channel)}})
	return true
}

func (r *ChannelRegistry) bindLifecycle(channel realtime.Channel) {
	topic := channel.Topic()

	channel.OnClose(func(payload interface{}) {
		r.presence.Detach(channel)
		r.dispatch(Action{Type: ChannelClose, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Response: payload}})
	})
	channel.OnError(func(payload interface{}) {
		r.dispatch(Action{Type: ChannelError, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Error: payload}})
	})
	channel.On(realtime.PresenceStateEvent, func(payload interface{}) {
		r.dispatch(Action{Type: ChannelPresenceState, Data: PresencePayload{ChannelTopic: topic, Payload: payload, Channel: channel}})
	})
	channel.On(realtime.PresenceDiffEvent, func(payload interface{}) {
		r.dispatch(Action{Type: ChannelPresenceChange, Data: PresencePayload{ChannelTopic: topic, Payload: payload, Channel: channel}})
	})
}

// bindEvents asks the live channel for its bindings before each On so a
// repeated request never doubles a listener.
func (r *ChannelRegistry) bindEvents(channel realtime.Channel, events []EventBinding) {
	topic := channel.Topic()
	for _, e := range events {
		if e.EventName == "" || realtime.HasBinding(channel, e.EventName) {
			continue
		}
		binding := e
		channel.On(binding.EventName, func(data interface{}) {
			r.dispatch(Action{Type: binding.EventActionType, Data: BoundEvent{
				Data:         data,
				EventName:    binding.EventName,
				ChannelTopic: topic,
			}})
		})
	}
}

func (r *ChannelRegistry) join(channel realtime.Channel, additionalData interface{}) {
	topic := channel.Topic()

	channel.Join(r.timeout).
		Receive(realtime.StatusOK, func(response interface{}) {
			r.logger.Debug().Str("topic", topic).Msg("joined")
			r.dispatch(Action{Type: ChannelJoin, Data: ChannelEvent{
				Channel:        channel,
				ChannelTopic:   topic,
				Response:       response,
				AdditionalData: additionalData,
			}})
			r.dispatch(endProgress(topic, topic))
		}).
		Receive(realtime.StatusError, func(response interface{}) {
			r.logger.Warn().Str("topic", topic).Interface("response", response).Msg("join rejected")
			if isUnauthorized(response) {
				r.dispatch(LeavePhoenixChannel(topic))
			}
			r.dispatch(Action{Type: ChannelJoinError, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Error: response}})
			r.dispatch(endProgress(topic, topic))
		}).
		Receive(realtime.StatusTimeout, func(response interface{}) {
			r.logger.Warn().Str("topic", topic).Msg("join timed out")
			r.dispatch(Action{Type: ChannelTimeout, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Error: response}})
			r.dispatch(endProgress(topic, topic))
		})
}
