package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

type binding struct {
	event    string
	ref      int
	callback realtime.Callback
}

// Channel represents a Phoenix channel
type Channel struct {
	socket *Socket
	topic  string
	params map[string]interface{}
	logger zerolog.Logger

	mu          sync.Mutex
	state       realtime.ChannelState
	joinedOnce  bool
	timeout     time.Duration
	joinPush    *Push
	pushBuffer  []*Push
	pending     map[string]*Push
	bindings    []binding
	bindingRef  int
	rejoinTimer *time.Timer
	rejoinTries int
}

var _ realtime.Channel = (*Channel)(nil)

func newChannel(socket *Socket, topic string, params map[string]interface{}) *Channel {
	if params == nil {
		params = map[string]interface{}{}
	}

	c := &Channel{
		socket:  socket,
		topic:   topic,
		params:  params,
		logger:  socket.logger.With().Str("component", "channel").Str("topic", topic).Logger(),
		state:   realtime.ChannelClosed,
		timeout: socket.config.Timeout,
		pending: make(map[string]*Push),
	}

	c.joinPush = newPush(c, EventJoin, params, c.timeout)
	c.joinPush.
		Receive(realtime.StatusOK, func(interface{}) {
			c.mu.Lock()
			c.state = realtime.ChannelJoined
			c.rejoinTries = 0
			c.stopRejoinLocked()
			buffered := c.pushBuffer
			c.pushBuffer = nil
			c.mu.Unlock()

			for _, p := range buffered {
				p.send()
			}
		}).
		Receive(realtime.StatusError, func(interface{}) {
			c.setState(realtime.ChannelErrored)
			if c.socket.IsConnected() {
				c.scheduleRejoin()
			}
		}).
		Receive(realtime.StatusTimeout, func(interface{}) {
			c.logger.Debug().Dur("timeout", c.joinTimeout()).Msg("join timed out")

			leave := newPush(c, EventLeave, nil, c.joinTimeout())
			leave.send()

			c.setState(realtime.ChannelErrored)
			c.joinPush.reset()
			if c.socket.IsConnected() {
				c.scheduleRejoin()
			}
		})

	return c
}

func (c *Channel) Topic() string {
	return c.topic
}

func (c *Channel) State() realtime.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinRef identifies the current join attempt. Frames carrying another
// join ref belong to a stale attempt.
func (c *Channel) JoinRef() string {
	return c.joinPush.currentRef()
}

// Join sends the join handshake. Calling Join again returns the same push.
func (c *Channel) Join(timeout time.Duration) realtime.Push {
	c.mu.Lock()
	if c.joinedOnce {
		c.mu.Unlock()
		c.logger.Warn().Msg("join called more than once")
		return c.joinPush
	}
	c.joinedOnce = true
	if timeout > 0 {
		c.timeout = timeout
	}
	c.mu.Unlock()

	c.rejoin()
	return c.joinPush
}

// Leave sends phx_leave. The channel closes on the server reply or timeout,
// and immediately when the socket is not connected.
func (c *Channel) Leave(timeout time.Duration) realtime.Push {
	if timeout <= 0 {
		timeout = c.joinTimeout()
	}

	c.mu.Lock()
	c.stopRejoinLocked()
	c.state = realtime.ChannelLeaving
	c.mu.Unlock()

	c.joinPush.cancelTimeout()

	onClose := func(interface{}) {
		c.logger.Debug().Msg("left channel")
		c.trigger(Message{Topic: c.topic, Event: EventClose, Payload: "leave", JoinRef: c.JoinRef()})
	}

	leave := newPush(c, EventLeave, nil, timeout)
	leave.Receive(realtime.StatusOK, onClose).Receive(realtime.StatusTimeout, onClose)
	leave.send()

	if !c.canPush() {
		leave.settle(leave.currentRef(), realtime.StatusOK, map[string]interface{}{})
	}

	return leave
}

// Push sends event once the channel is joined. Pushes made while the
// channel is joining are buffered with their timeout already running.
func (c *Channel) Push(event string, payload interface{}, timeout time.Duration) realtime.Push {
	if timeout <= 0 {
		timeout = c.joinTimeout()
	}
	p := newPush(c, event, payload, timeout)

	c.mu.Lock()
	joinedOnce := c.joinedOnce
	c.mu.Unlock()

	if !joinedOnce {
		p.fail("tried to push before joining")
		return p
	}

	if c.canPush() {
		p.send()
		return p
	}

	p.startTimeout()
	c.mu.Lock()
	c.pushBuffer = append(c.pushBuffer, p)
	c.mu.Unlock()

	return p
}

// On registers callback for event and returns its ref for Off.
func (c *Channel) On(event string, callback realtime.Callback) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bindingRef++
	c.bindings = append(c.bindings, binding{event: event, ref: c.bindingRef, callback: callback})
	return c.bindingRef
}

// Off removes the listeners for event. With refs only those listeners go.
func (c *Channel) Off(event string, refs ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.bindings[:0]
	for _, b := range c.bindings {
		if b.event == event && (len(refs) == 0 || containsRef(refs, b.ref)) {
			continue
		}
		kept = append(kept, b)
	}
	c.bindings = kept
}

func (c *Channel) Bindings() []realtime.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]realtime.Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, realtime.Binding{Event: b.event, Ref: b.ref})
	}
	return out
}

func (c *Channel) OnClose(callback realtime.Callback) int {
	return c.On(EventClose, callback)
}

func (c *Channel) OnError(callback realtime.Callback) int {
	return c.On(EventError, callback)
}

func (c *Channel) joinTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Channel) setState(state realtime.ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Channel) canPush() bool {
	return c.socket.IsConnected() && c.State() == realtime.ChannelJoined
}

func (c *Channel) rejoin() {
	c.mu.Lock()
	if c.state == realtime.ChannelLeaving {
		c.mu.Unlock()
		return
	}
	c.state = realtime.ChannelJoining
	timeout := c.timeout
	c.mu.Unlock()

	c.joinPush.resend(timeout)
}

func (c *Channel) scheduleRejoin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopRejoinLocked()
	c.rejoinTries++
	wait := backoff(c.rejoinTries, c.socket.config.RejoinInterval)
	c.rejoinTimer = time.AfterFunc(wait, func() {
		if c.socket.IsConnected() {
			c.rejoin()
		}
	})
}

func (c *Channel) stopRejoinLocked() {
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
}

func (c *Channel) registerPush(ref string, p *Push) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[ref] = p
}

func (c *Channel) unregisterPush(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, ref)
}

// isMember reports whether msg is addressed to this channel. Lifecycle
// frames from an earlier join attempt are dropped.
func (c *Channel) isMember(msg Message) bool {
	if msg.Topic != c.topic {
		return false
	}
	if msg.JoinRef != "" && isLifecycleEvent(msg.Event) && msg.JoinRef != c.JoinRef() {
		c.logger.Debug().Str("event", msg.Event).Str("join_ref", msg.JoinRef).Msg("dropping outdated message")
		return false
	}
	return true
}

func (c *Channel) trigger(msg Message) {
	switch msg.Event {
	case EventReply:
		c.mu.Lock()
		p := c.pending[msg.Ref]
		c.mu.Unlock()
		if p != nil {
			status, response := replyStatus(msg.Payload)
			p.settle(msg.Ref, realtime.Status(status), response)
		}
		return
	case EventClose:
		c.mu.Lock()
		c.stopRejoinLocked()
		c.state = realtime.ChannelClosed
		c.mu.Unlock()
		c.socket.Remove(c)
	case EventError:
		c.mu.Lock()
		joining := c.state == realtime.ChannelJoining
		c.state = realtime.ChannelErrored
		c.mu.Unlock()
		if joining {
			c.joinPush.reset()
		}
		if c.socket.IsConnected() {
			c.scheduleRejoin()
		}
	}

	c.mu.Lock()
	var matched []realtime.Callback
	for _, b := range c.bindings {
		if b.event == msg.Event {
			matched = append(matched, b.callback)
		}
	}
	c.mu.Unlock()

	for _, cb := range matched {
		cb(msg.Payload)
	}
}

func (c *Channel) onSocketOpen() {
	c.mu.Lock()
	c.stopRejoinLocked()
	c.rejoinTries = 0
	errored := c.state == realtime.ChannelErrored
	c.mu.Unlock()

	if errored {
		c.rejoin()
	}
}

func (c *Channel) onSocketError() {
	switch c.State() {
	case realtime.ChannelErrored, realtime.ChannelLeaving, realtime.ChannelClosed:
		return
	}
	c.trigger(Message{Topic: c.topic, Event: EventError, Payload: "connection lost", JoinRef: c.JoinRef()})
}

// closeSilently marks the channel closed without notifying listeners.
func (c *Channel) closeSilently() {
	c.mu.Lock()
	c.stopRejoinLocked()
	c.state = realtime.ChannelClosed
	c.pushBuffer = nil
	c.mu.Unlock()

	c.joinPush.cancelTimeout()
}

func isLifecycleEvent(event string) bool {
	switch event {
	case EventJoin, EventReply, EventLeave, EventClose, EventError:
		return true
	}
	return false
}

func containsRef(refs []int, ref int) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
