package client

import (
	"sync"
	"time"

	"github.com/trixtateam/phoenix-to-redux/realtime"
)

type receiveHook struct {
	status   realtime.Status
	callback realtime.Callback
}

type reply struct {
	status   realtime.Status
	response interface{}
}

// Push is one request on a channel. Hooks survive resends so a join push
// reports every rejoin attempt, but each attempt settles exactly once.
type Push struct {
	channel *Channel
	event   string
	payload interface{}

	mu       sync.Mutex
	timeout  time.Duration
	ref      string
	sent     bool
	received *reply
	hooks    []receiveHook
	timer    *time.Timer
}

var _ realtime.Push = (*Push)(nil)

func newPush(channel *Channel, event string, payload interface{}, timeout time.Duration) *Push {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
	}
}

// Receive registers callback for status. If the current attempt already
// settled with that status the callback runs immediately.
func (p *Push) Receive(status realtime.Status, callback realtime.Callback) realtime.Push {
	p.mu.Lock()
	received := p.received
	p.hooks = append(p.hooks, receiveHook{status: status, callback: callback})
	p.mu.Unlock()

	if received != nil && received.status == status {
		callback(received.response)
	}
	return p
}

func (p *Push) currentRef() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

func (p *Push) isSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// resend clears the previous attempt and sends again.
func (p *Push) resend(timeout time.Duration) {
	p.mu.Lock()
	p.timeout = timeout
	p.mu.Unlock()

	p.reset()
	p.send()
}

func (p *Push) send() {
	p.mu.Lock()
	if p.received != nil && p.received.status == realtime.StatusTimeout {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ref := p.startTimeout()

	joinRef := ref
	if p.event != EventJoin {
		joinRef = p.channel.JoinRef()
	}

	p.mu.Lock()
	p.sent = true
	p.mu.Unlock()

	p.channel.socket.push(Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payload,
	})
}

// startTimeout assigns a fresh ref, registers for its reply and arms the
// timeout for this attempt.
func (p *Push) startTimeout() string {
	p.cancelTimeout()

	ref := p.channel.socket.makeRef()
	p.channel.registerPush(ref, p)

	p.mu.Lock()
	p.ref = ref
	p.received = nil
	p.timer = time.AfterFunc(p.timeout, func() {
		p.settle(ref, realtime.StatusTimeout, map[string]interface{}{})
	})
	p.mu.Unlock()

	return ref
}

// cancelTimeout stops the timer and forgets the pending reply without settling.
func (p *Push) cancelTimeout() {
	p.mu.Lock()
	ref := p.ref
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if ref != "" {
		p.channel.unregisterPush(ref)
	}
}

func (p *Push) reset() {
	p.cancelTimeout()

	p.mu.Lock()
	p.ref = ""
	p.received = nil
	p.sent = false
	p.mu.Unlock()
}

// settle records the outcome of the attempt identified by ref and runs the
// matching hooks. Later outcomes for the same attempt are dropped.
func (p *Push) settle(ref string, status realtime.Status, response interface{}) {
	p.mu.Lock()
	if ref != p.ref || p.received != nil {
		p.mu.Unlock()
		return
	}
	p.received = &reply{status: status, response: response}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	var matched []realtime.Callback
	for _, h := range p.hooks {
		if h.status == status {
			matched = append(matched, h.callback)
		}
	}
	p.mu.Unlock()

	if ref != "" {
		p.channel.unregisterPush(ref)
	}

	for _, cb := range matched {
		cb(response)
	}
}

// fail settles a push that was never sent.
func (p *Push) fail(reason string) {
	p.settle("", realtime.StatusError, map[string]interface{}{"reason": reason})
}
