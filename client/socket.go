// Package client is a Phoenix channels (protocol v2) WebSocket client. A
// Socket multiplexes any number of Channels over one gorilla connection,
// keeps it alive with heartbeats and reconnects with a linear backoff after
// unclean closes.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

// Socket is a single Phoenix connection.
type Socket struct {
	id       string
	endpoint string
	address  *url.URL
	params   map[string]interface{}
	config   *Config
	logger   zerolog.Logger

	mu                  sync.Mutex
	conn                *websocket.Conn
	done                chan struct{}
	readyState          realtime.ReadyState
	dialing             bool
	manualClose         bool
	closeCode           int
	closeReason         string
	reconnectCount      int
	reconnectTimer      *time.Timer
	pendingHeartbeatRef string
	ref                 uint64
	channels            []*Channel
	sendBuffer          [][]byte

	writeMu sync.Mutex

	openCallbacks  callbacks[func()]
	closeCallbacks callbacks[func(realtime.CloseEvent)]
	errorCallbacks callbacks[func(error)]
}

var _ realtime.Socket = (*Socket)(nil)

// NewSocket creates an unconnected socket for endpoint, e.g.
// "ws://localhost:4000/socket". Params are sent as query parameters.
func NewSocket(endpoint string, params map[string]interface{}, config *Config) (*Socket, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if config == nil {
		config = DefaultConfig()
	} else {
		cfgCopy := *config
		config = &cfgCopy
	}

	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %q", address.Scheme)
	}

	address.Path = strings.TrimSuffix(strings.TrimSuffix(address.Path, "/"), transportPath)
	canonical := *address
	canonical.RawQuery = ""
	address.Path += transportPath

	q := address.Query()
	for key, value := range params {
		q.Set(key, fmt.Sprintf("%v", value))
	}
	q.Set("vsn", protocolVersion)
	address.RawQuery = q.Encode()

	copied := make(map[string]interface{}, len(params))
	for k, v := range params {
		copied[k] = v
	}

	id := uuid.NewString()
	return &Socket{
		id:         id,
		endpoint:   canonical.String(),
		address:    address,
		params:     copied,
		config:     config,
		logger:     config.logger().With().Str("component", "socket").Str("socket_id", id).Logger(),
		readyState: realtime.Closed,
	}, nil
}

// Factory adapts NewSocket to realtime.Factory.
func Factory(config *Config) realtime.Factory {
	return func(endpoint string, params map[string]interface{}) (realtime.Socket, error) {
		socket, err := NewSocket(endpoint, params, config)
		if err != nil {
			return nil, err
		}
		return socket, nil
	}
}

func (s *Socket) ID() string {
	return s.id
}

// EndPoint returns the endpoint the socket was created for, without the
// transport suffix or query.
func (s *Socket) EndPoint() string {
	return s.endpoint
}

// URL returns the full transport URL dialed by Connect.
func (s *Socket) URL() string {
	return s.address.String()
}

func (s *Socket) Params() map[string]interface{} {
	out := make(map[string]interface{}, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *Socket) ReadyState() realtime.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

func (s *Socket) IsConnected() bool {
	return s.ReadyState() == realtime.Open
}

// Connect starts dialing in the background. Outcomes are reported through
// OnOpen, OnError and OnClose.
func (s *Socket) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil || s.dialing {
		return nil
	}

	s.manualClose = false
	s.readyState = realtime.Connecting
	s.dialing = true

	go s.dial()
	return nil
}

// Disconnect closes the connection with the given close code and reason,
// stops reconnecting and drops every channel.
func (s *Socket) Disconnect(code int, reason string) error {
	s.mu.Lock()
	s.manualClose = true
	s.closeCode = code
	s.closeReason = reason
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	if conn != nil {
		s.readyState = realtime.Closing
	} else {
		s.readyState = realtime.Closed
	}
	channels := s.channels
	s.channels = nil
	s.sendBuffer = nil
	s.mu.Unlock()

	for _, ch := range channels {
		ch.closeSilently()
	}

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(s.config.WriteTimeout)
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Msg("failed to send close frame")
	}

	if err := conn.Close(); err != nil {
		return wrap(err, "failed to close connection")
	}
	return nil
}

func (s *Socket) OnOpen(callback func()) func() {
	return s.openCallbacks.add(callback)
}

func (s *Socket) OnClose(callback func(realtime.CloseEvent)) func() {
	return s.closeCallbacks.add(callback)
}

func (s *Socket) OnError(callback func(error)) func() {
	return s.errorCallbacks.add(callback)
}

// Channel creates a channel for topic. It is not joined until Join is called.
func (s *Socket) Channel(topic string, params map[string]interface{}) realtime.Channel {
	ch := newChannel(s, topic, params)

	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()

	return ch
}

func (s *Socket) Channels() []realtime.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]realtime.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Socket) Remove(channel realtime.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ch := range s.channels {
		if realtime.Channel(ch) == channel {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return
		}
	}
}

func (s *Socket) makeRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRefLocked()
}

func (s *Socket) nextRefLocked() string {
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

// push writes msg, buffering it until the connection opens.
func (s *Socket) push(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Str("event", msg.Event).Msg("failed to encode message")
		return
	}

	s.mu.Lock()
	if s.readyState != realtime.Open || s.conn == nil {
		s.sendBuffer = append(s.sendBuffer, data)
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	s.write(conn, data)
}

func (s *Socket) write(conn *websocket.Conn, data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Connection error, will be handled by readMessages
		s.logger.Debug().Err(err).Msg("write failed")
	}
}

func (s *Socket) dial() {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(s.address.String(), nil)

	s.mu.Lock()
	s.dialing = false
	if s.manualClose {
		s.readyState = realtime.Closed
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.readyState = realtime.Closed
		s.mu.Unlock()

		s.logger.Warn().Err(err).Str("endpoint", s.endpoint).Msg("failed to connect")
		s.triggerError(unavailable("", "failed to connect to "+s.endpoint).withCause(err))
		s.triggerClose(realtime.CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		s.scheduleReconnect()
		return
	}

	done := make(chan struct{})
	s.conn = conn
	s.done = done
	s.readyState = realtime.Open
	s.reconnectCount = 0
	s.pendingHeartbeatRef = ""
	buffered := s.sendBuffer
	s.sendBuffer = nil
	channels := make([]*Channel, len(s.channels))
	copy(channels, s.channels)
	s.mu.Unlock()

	s.logger.Debug().Str("endpoint", s.endpoint).Msg("connected")

	for _, data := range buffered {
		s.write(conn, data)
	}

	go s.readMessages(conn, done)
	go s.heartbeat(done)

	for _, cb := range s.openCallbacks.snapshot() {
		cb()
	}
	for _, ch := range channels {
		ch.onSocketOpen()
	}
}

// readMessages handles incoming frames for one connection
func (s *Socket) readMessages(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}

		msg, err := decodeMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}

		s.dispatch(msg)
	}
}

func (s *Socket) dispatch(msg Message) {
	s.mu.Lock()
	if msg.Topic == phoenixTopic && msg.Event == EventReply && msg.Ref != "" && msg.Ref == s.pendingHeartbeatRef {
		s.pendingHeartbeatRef = ""
	}
	channels := make([]*Channel, len(s.channels))
	copy(channels, s.channels)
	s.mu.Unlock()

	for _, ch := range channels {
		if ch.isMember(msg) {
			ch.trigger(msg)
		}
	}
}

func (s *Socket) handleClose(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.readyState = realtime.Closed
	s.pendingHeartbeatRef = ""
	manual := s.manualClose
	event := realtime.CloseEvent{Code: s.closeCode, Reason: s.closeReason, Clean: true}
	s.mu.Unlock()

	conn.Close()

	if manual {
		s.logger.Debug().Int("code", event.Code).Str("reason", event.Reason).Msg("closed")
		s.triggerClose(event)
		return
	}

	event = realtime.CloseEvent{Code: websocket.CloseAbnormalClosure}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		event.Code = ce.Code
		event.Reason = ce.Text
	}
	event.Clean = event.Code == websocket.CloseNormalClosure

	if !event.Clean {
		s.logger.Warn().Err(err).Int("code", event.Code).Msg("connection lost")
		s.triggerError(unavailable("", "connection to server lost").withCause(err))
	}

	s.triggerChanError()
	s.triggerClose(event)

	if !event.Clean {
		s.scheduleReconnect()
	}
}

func (s *Socket) triggerError(err error) {
	for _, cb := range s.errorCallbacks.snapshot() {
		cb(err)
	}
}

func (s *Socket) triggerClose(event realtime.CloseEvent) {
	for _, cb := range s.closeCallbacks.snapshot() {
		cb(event)
	}
}

func (s *Socket) triggerChanError() {
	s.mu.Lock()
	channels := make([]*Channel, len(s.channels))
	copy(channels, s.channels)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.onSocketError()
	}
}

func (s *Socket) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manualClose {
		return
	}

	s.reconnectCount++
	if s.config.MaxReconnectTries >= 0 && s.reconnectCount > s.config.MaxReconnectTries {
		s.logger.Warn().Int("attempts", s.reconnectCount-1).Msg("giving up reconnecting")
		return
	}

	wait := backoff(s.reconnectCount, s.config.ReconnectInterval)
	s.logger.Debug().Dur("wait", wait).Int("attempt", s.reconnectCount).Msg("scheduling reconnect")
	s.reconnectTimer = time.AfterFunc(wait, s.reconnect)
}

func (s *Socket) reconnect() {
	s.mu.Lock()
	manual := s.manualClose
	s.reconnectTimer = nil
	s.mu.Unlock()

	if !manual {
		_ = s.Connect()
	}
}

func (s *Socket) heartbeat(done <-chan struct{}) {
	if s.config.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *Socket) sendHeartbeat() {
	s.mu.Lock()
	if s.pendingHeartbeatRef != "" {
		conn := s.conn
		s.pendingHeartbeatRef = ""
		s.mu.Unlock()

		s.logger.Warn().Msg("heartbeat timeout, closing connection")
		if conn != nil {
			conn.Close()
		}
		return
	}
	ref := s.nextRefLocked()
	s.pendingHeartbeatRef = ref
	s.mu.Unlock()

	s.push(Message{Ref: ref, Topic: phoenixTopic, Event: EventHeartbeat, Payload: map[string]interface{}{}})
}

// callbacks is an ordered set of subscriptions.
type callbacks[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]T
}

func (c *callbacks[T]) add(cb T) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs == nil {
		c.subs = make(map[int]T)
	}
	id := c.next
	c.next++
	c.subs[id] = cb

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *callbacks[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.subs[id])
	}
	return out
}
