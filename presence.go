package phxredux

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

// PresenceTracker adapts presence callbacks of tracked channels into
// presence join, leave and update actions.
type PresenceTracker struct {
	mu       sync.Mutex
	dispatch Dispatch
	logger   zerolog.Logger
	tracked  map[realtime.Channel]*realtime.Presence
}

// NewPresenceTracker returns a tracker with no attached channels.
func NewPresenceTracker(dispatch Dispatch, logger zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{
		dispatch: dispatch,
		logger:   logger.With().Str("component", "presence").Logger(),
		tracked:  make(map[realtime.Channel]*realtime.Presence),
	}
}

// Attach starts tracking presence on channel. Attaching the same channel
// again returns the existing tracker.
func (t *PresenceTracker) Attach(channel realtime.Channel) *realtime.Presence {
	if channel == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if presence, ok := t.tracked[channel]; ok {
		return presence
	}

	presence := realtime.NewPresence(channel)
	presence.OnJoin(func(id string, current *realtime.PresenceEntry, newPresence realtime.PresenceEntry) {
		t.dispatch(Action{Type: ChannelPresenceJoin, Data: PresenceJoin{
			ID:          id,
			Current:     current,
			NewPresence: newPresence,
			Channel:     channel,
		}})
	})
	presence.OnLeave(func(id string, current realtime.PresenceEntry, leftPresence realtime.PresenceEntry) {
		t.dispatch(Action{Type: ChannelPresenceLeave, Data: PresenceLeave{
			ID:           id,
			Current:      current,
			LeftPresence: leftPresence,
			Channel:      channel,
		}})
	})
	presence.OnSync(func() {
		t.dispatch(Action{Type: ChannelPresenceUpdate, Data: PresenceUpdate{List: presence.List(), Channel: channel}})
	})

	t.tracked[channel] = presence
	t.logger.Debug().Str("topic", channel.Topic()).Msg("tracking presence")
	return presence
}

// Get returns the tracker of channel, or nil.
func (t *PresenceTracker) Get(channel realtime.Channel) *realtime.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tracked[channel]
}

// Detach stops tracking channel and removes its presence listeners.
func (t *PresenceTracker) Detach(channel realtime.Channel) {
	t.mu.Lock()
	presence, ok := t.tracked[channel]
	delete(t.tracked, channel)
	t.mu.Unlock()

	if ok {
		presence.Detach()
	}
}

// Reset drops every tracker, as when the socket goes away.
func (t *PresenceTracker) Reset() {
	t.mu.Lock()
	tracked := t.tracked
	t.tracked = make(map[realtime.Channel]*realtime.Presence)
	t.mu.Unlock()

	for _, presence := range tracked {
		presence.Detach()
	}
}
