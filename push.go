package phxredux

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

// PushCoordinator runs one request/response exchange per PushRequest and
// fans its outcome out into actions. Progress always ends exactly once.
type PushCoordinator struct {
	dispatch Dispatch
	registry *ChannelRegistry
	logger   zerolog.Logger
}

// NewPushCoordinator returns a coordinator pushing on channels found
// through registry.
func NewPushCoordinator(dispatch Dispatch, registry *ChannelRegistry, logger zerolog.Logger) *PushCoordinator {
	return &PushCoordinator{
		dispatch: dispatch,
		registry: registry,
		logger:   logger.With().Str("component", "push").Logger(),
	}
}

// Push sends req on its channel. It reports false, doing nothing, when the
// socket has no channel for req.ChannelTopic.
func (p *PushCoordinator) Push(socket realtime.Socket, req PushRequest) bool {
	topic := req.ChannelTopic
	channel := p.registry.Find(socket, topic)
	if channel == nil {
		p.logger.Debug().Str("topic", topic).Str("event", req.EventName).Msg("no channel to push to")
		return false
	}

	if req.LoadingStatusKey != "" {
		p.dispatch(updateLoadingStatus(topic, req.LoadingStatusKey))
	}

	timeout := req.ChannelPushTimeOut
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}

	channel.Push(req.EventName, req.RequestData, timeout).
		Receive(realtime.StatusOK, func(data interface{}) {
			p.dispatch(Action{Type: ChannelPush, Data: PushResult{ChannelTopic: topic, Data: data}})
			p.endProgress(topic, req.LoadingStatusKey, req.EndProgressDelay)
			if req.ChannelResponseEvent != "" {
				p.dispatch(Action{Type: req.ChannelResponseEvent, Data: ResponseEvent{
					ChannelTopic: topic,
					Data:         mergeAdditionalData(data, req.AdditionalData),
					Dispatch:     p.dispatch,
				}})
			}
		}).
		Receive(realtime.StatusError, func(data interface{}) {
			p.logger.Debug().Str("topic", topic).Str("event", req.EventName).Interface("response", data).Msg("push rejected")
			if req.DispatchChannelError {
				p.dispatch(Action{Type: ChannelPushError, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Error: data}})
			}
			p.endProgress(topic, req.LoadingStatusKey, 0)
			if req.ChannelErrorResponseEvent != "" {
				p.dispatch(Action{Type: req.ChannelErrorResponseEvent, Data: ResponseEvent{
					ChannelTopic: topic,
					Error:        mergeAdditionalData(data, req.AdditionalData),
					Dispatch:     p.dispatch,
				}})
			}
		}).
		Receive(realtime.StatusTimeout, func(data interface{}) {
			p.logger.Warn().Str("topic", topic).Str("event", req.EventName).Dur("timeout", timeout).Msg("push timed out")
			if req.ChannelTimeOutEvent != "" {
				var message interface{} = RequestTimedOut
				if req.AdditionalData != nil {
					message = mergeAdditionalData(map[string]interface{}{"message": RequestTimedOut}, req.AdditionalData)
				}
				p.dispatch(Action{Type: req.ChannelTimeOutEvent, Data: ResponseEvent{ChannelTopic: topic, Error: message}})
			}
			p.dispatch(Action{Type: ChannelTimeout, Data: ChannelEvent{Channel: channel, ChannelTopic: topic, Error: data}})
			p.endProgress(topic, req.LoadingStatusKey, 0)
		})

	return true
}

func (p *PushCoordinator) endProgress(topic, loadingStatusKey string, delay time.Duration) {
	if delay <= 0 {
		p.dispatch(endProgress(topic, loadingStatusKey))
		return
	}
	time.AfterFunc(delay, func() {
		p.dispatch(endProgress(topic, loadingStatusKey))
	})
}

// mergeAdditionalData merges additional into data. Maps merge key by key
// with additional winning; anything else is wrapped under "value" first.
func mergeAdditionalData(data, additional interface{}) interface{} {
	if additional == nil {
		return data
	}

	merged := make(map[string]interface{})
	mergeInto(merged, data)
	mergeInto(merged, additional)
	return merged
}

func mergeInto(dst map[string]interface{}, src interface{}) {
	switch v := src.(type) {
	case nil:
	case map[string]interface{}:
		for k, val := range v {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				if nested, ok := val.(map[string]interface{}); ok {
					copied := make(map[string]interface{}, len(existing)+len(nested))
					mergeInto(copied, existing)
					mergeInto(copied, nested)
					dst[k] = copied
					continue
				}
			}
			dst[k] = val
		}
	default:
		dst["value"] = v
	}
}
