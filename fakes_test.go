package phxredux

import (
	"fmt"
	"sync"
	"time"

	"github.com/trixtateam/phoenix-to-redux/realtime"
)

type fakeHook struct {
	status   realtime.Status
	callback realtime.Callback
}

// fakePush settles only when a test calls settle.
type fakePush struct {
	mu       sync.Mutex
	event    string
	payload  interface{}
	timeout  time.Duration
	hooks    []fakeHook
	settled  bool
	status   realtime.Status
	response interface{}
}

func (p *fakePush) Receive(status realtime.Status, callback realtime.Callback) realtime.Push {
	p.mu.Lock()
	settled := p.settled && p.status == status
	response := p.response
	p.hooks = append(p.hooks, fakeHook{status: status, callback: callback})
	p.mu.Unlock()

	if settled {
		callback(response)
	}
	return p
}

func (p *fakePush) settle(status realtime.Status, response interface{}) {
	p.mu.Lock()
	p.settled = true
	p.status = status
	p.response = response
	var matched []realtime.Callback
	for _, h := range p.hooks {
		if h.status == status {
			matched = append(matched, h.callback)
		}
	}
	p.mu.Unlock()

	for _, cb := range matched {
		cb(response)
	}
}

type fakeBinding struct {
	event    string
	ref      int
	callback realtime.Callback
}

type fakeChannel struct {
	mu          sync.Mutex
	socket      *fakeSocket
	topic       string
	params      map[string]interface{}
	state       realtime.ChannelState
	bindings    []fakeBinding
	nextRef     int
	joinPush    *fakePush
	joinCalls   int
	joinTimeout time.Duration
	leavePush   *fakePush
	pushes      []*fakePush
}

func (c *fakeChannel) Topic() string { return c.topic }
func (c *fakeChannel) JoinRef() string { return "1" }

func (c *fakeChannel) State() realtime.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(state realtime.ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *fakeChannel) Join(timeout time.Duration) realtime.Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinCalls++
	c.joinTimeout = timeout
	c.state = realtime.ChannelJoining
	return c.joinPush
}

func (c *fakeChannel) Leave(time.Duration) realtime.Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = realtime.ChannelLeaving
	c.leavePush = &fakePush{event: "phx_leave"}
	return c.leavePush
}

func (c *fakeChannel) Push(event string, payload interface{}, timeout time.Duration) realtime.Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &fakePush{event: event, payload: payload, timeout: timeout}
	c.pushes = append(c.pushes, p)
	return p
}

func (c *fakeChannel) lastPush() *fakePush {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pushes) == 0 {
		return nil
	}
	return c.pushes[len(c.pushes)-1]
}

func (c *fakeChannel) On(event string, callback realtime.Callback) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRef++
	c.bindings = append(c.bindings, fakeBinding{event: event, ref: c.nextRef, callback: callback})
	return c.nextRef
}

func (c *fakeChannel) Off(event string, refs ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.bindings[:0]
	for _, b := range c.bindings {
		if b.event == event && (len(refs) == 0 || containsInt(refs, b.ref)) {
			continue
		}
		kept = append(kept, b)
	}
	c.bindings = kept
}

func (c *fakeChannel) Bindings() []realtime.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, realtime.Binding{Event: b.event, Ref: b.ref})
	}
	return out
}

func (c *fakeChannel) OnClose(callback realtime.Callback) int { return c.On("phx_close", callback) }
func (c *fakeChannel) OnError(callback realtime.Callback) int { return c.On("phx_error", callback) }

func (c *fakeChannel) bindingCount(event string) int {
	n := 0
	for _, b := range c.Bindings() {
		if b.Event == event {
			n++
		}
	}
	return n
}

// trigger delivers a server event to the channel's listeners.
func (c *fakeChannel) trigger(event string, payload interface{}) {
	c.mu.Lock()
	var matched []realtime.Callback
	for _, b := range c.bindings {
		if b.event == event {
			matched = append(matched, b.callback)
		}
	}
	c.mu.Unlock()

	for _, cb := range matched {
		cb(payload)
	}
}

type fakeDisconnect struct {
	code   int
	reason string
}

type fakeSocket struct {
	mu           sync.Mutex
	id           string
	endpoint     string
	params       map[string]interface{}
	readyState   realtime.ReadyState
	connectCalls int
	disconnects  []fakeDisconnect
	channels     []*fakeChannel
	nextCb       int
	openCbs      map[int]func()
	closeCbs     map[int]func(realtime.CloseEvent)
	errorCbs     map[int]func(error)
}

func newFakeSocket(id, endpoint string, params map[string]interface{}) *fakeSocket {
	return &fakeSocket{
		id:         id,
		endpoint:   endpoint,
		params:     params,
		readyState: realtime.Closed,
		openCbs:    map[int]func(){},
		closeCbs:   map[int]func(realtime.CloseEvent){},
		errorCbs:   map[int]func(error){},
	}
}

func (s *fakeSocket) ID() string { return s.id }
func (s *fakeSocket) EndPoint() string { return s.endpoint }
func (s *fakeSocket) Params() map[string]interface{} { return s.params }

func (s *fakeSocket) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	s.readyState = realtime.Connecting
	return nil
}

func (s *fakeSocket) Disconnect(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, fakeDisconnect{code: code, reason: reason})
	s.readyState = realtime.Closed
	s.channels = nil
	return nil
}

func (s *fakeSocket) ReadyState() realtime.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

func (s *fakeSocket) IsConnected() bool { return s.ReadyState() == realtime.Open }

func (s *fakeSocket) OnOpen(callback func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCb++
	id := s.nextCb
	s.openCbs[id] = callback
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.openCbs, id)
	}
}

func (s *fakeSocket) OnClose(callback func(realtime.CloseEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCb++
	id := s.nextCb
	s.closeCbs[id] = callback
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.closeCbs, id)
	}
}

func (s *fakeSocket) OnError(callback func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCb++
	id := s.nextCb
	s.errorCbs[id] = callback
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.errorCbs, id)
	}
}

func (s *fakeSocket) Channel(topic string, params map[string]interface{}) realtime.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := &fakeChannel{
		socket:   s,
		topic:    topic,
		params:   params,
		state:    realtime.ChannelClosed,
		joinPush: &fakePush{event: "phx_join"},
	}
	s.channels = append(s.channels, ch)
	return ch
}

func (s *fakeSocket) Channels() []realtime.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *fakeSocket) Remove(channel realtime.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.channels[:0]
	for _, ch := range s.channels {
		if ch != channel {
			kept = append(kept, ch)
		}
	}
	s.channels = kept
}

func (s *fakeSocket) channel(topic string) *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.topic == topic {
			return ch
		}
	}
	return nil
}

func (s *fakeSocket) callbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.openCbs) + len(s.closeCbs) + len(s.errorCbs)
}

func (s *fakeSocket) open() {
	s.mu.Lock()
	s.readyState = realtime.Open
	cbs := make([]func(), 0, len(s.openCbs))
	for _, cb := range s.openCbs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (s *fakeSocket) close(event realtime.CloseEvent) {
	s.mu.Lock()
	s.readyState = realtime.Closed
	cbs := make([]func(realtime.CloseEvent), 0, len(s.closeCbs))
	for _, cb := range s.closeCbs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}

func (s *fakeSocket) fail(state realtime.ReadyState, err error) {
	s.mu.Lock()
	s.readyState = state
	cbs := make([]func(error), 0, len(s.errorCbs))
	for _, cb := range s.errorCbs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}

// fakeFactory builds fakeSockets and remembers them in order.
type fakeFactory struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	err     error
}

func (f *fakeFactory) build(endpoint string, params map[string]interface{}) (realtime.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeSocket(fmt.Sprintf("socket-%d", len(f.sockets)+1), endpoint, params)
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fakeFactory) last() *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// recorder collects dispatched actions.
type recorder struct {
	mu      sync.Mutex
	actions []Action
}

func (r *recorder) dispatch(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

// middleware records every action passing through a store.
func (r *recorder) middleware(dispatch Dispatch, action Action, next Dispatch) {
	r.dispatch(action)
	next(action)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a.Type)
	}
	return out
}

func (r *recorder) all(actionType string) []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, a := range r.actions {
		if a.Type == actionType {
			out = append(out, a)
		}
	}
	return out
}

func (r *recorder) count(actionType string) int {
	return len(r.all(actionType))
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = nil
}

// indexOf returns the position of the first actionType, or -1.
func (r *recorder) indexOf(actionType string) int {
	for i, t := range r.types() {
		if t == actionType {
			return i
		}
	}
	return -1
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
