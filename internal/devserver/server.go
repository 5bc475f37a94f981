// Package devserver is a small Phoenix-compatible channel endpoint for local
// development and end-to-end tests. It speaks the V2 JSON serializer, answers
// heartbeats, joins and leaves, tracks presence on every topic and
// broadcasts each pushed event to the topic's members. Several servers can
// share presence and broadcasts through a Redis backed PubSub.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrServerClosed = errors.New("devserver: closed")

type Server struct {
	options    *Options
	logger     zerolog.Logger
	nodeID     string
	upgrader   websocket.Upgrader
	pubsub     PubSub
	ownsPubSub bool
	relay      *relay

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	conns    map[string]*conn
	members  map[string]map[string]*conn
	presence presenceBook
}

// New subscribes the server to its PubSub topics. The server stops when ctx
// is done or Close is called.
func New(ctx context.Context, opts *Options) (*Server, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	options := opts.withDefaults()
	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		options: options,
		nodeID:  uuid.NewString(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pubsub:   options.PubSub,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[string]*conn),
		members:  make(map[string]map[string]*conn),
		presence: presenceBook{},
	}
	s.logger = options.Logger.With().Str("component", "devserver").Str("node", s.nodeID).Logger()

	if s.pubsub == nil {
		s.pubsub = NewLocalPubSub(serverCtx, 0)
		s.ownsPubSub = true
	}
	s.relay = newRelay(s.pubsub, s.nodeID, options.TopicPrefix, s.logger)
	if err := s.relay.listen(s.handleRemote); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// NodeID identifies this server among the nodes sharing a PubSub.
func (s *Server) NodeID() string {
	return s.nodeID
}

// ServeHTTP upgrades requests on the transport path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.options.Path {
		http.NotFound(w, r)
		return
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c, err := newConn(s.ctx, ws, uuid.NewString(), r.URL.Query(), s.options)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to set up connection")
		_ = ws.Close()
		return
	}
	c.onClose = s.drop

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.logger.Debug().Str("conn", c.id).Str("identity", c.identity()).Msg("socket connected")

	go c.writePump()
	go c.readPump(s.handle)
}

// Presence returns the identities present on topic, sorted.
func (s *Server) Presence(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.presence[topic]))
	for id := range s.presence[topic] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends event to every member of topic on every node.
func (s *Server) Broadcast(topic, event string, payload interface{}) error {
	return s.broadcast(topic, event, payload)
}

// Close disconnects every socket and stops receiving from the PubSub.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	err := s.relay.stop()
	if s.ownsPubSub {
		err = errors.Join(err, s.pubsub.Close())
	}
	s.cancel()
	return err
}

func (s *Server) handle(c *conn, data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("conn", c.id).Msg("dropping frame")
		return
	}

	switch {
	case f.Topic == phoenixTopic && f.Event == eventHeartbeat:
		s.reply(c, replyFrame(f, "ok", nil))
	case f.Event == eventJoin:
		s.join(c, f)
	case f.Event == eventLeave:
		s.leave(c, f)
	default:
		if _, ok := c.membership(f.Topic); !ok {
			s.reply(c, errorReply(f, reasonUnmatchedTopic))
			return
		}
		s.reply(c, replyFrame(f, "ok", f.Payload))
		if err := s.broadcast(f.Topic, f.Event, f.Payload); err != nil {
			s.logger.Warn().Err(err).Str("topic", f.Topic).Str("event", f.Event).Msg("broadcast failed")
		}
	}
}

func (s *Server) join(c *conn, f frame) {
	if !s.topicAllowed(f.Topic) {
		s.reply(c, errorReply(f, reasonUnmatchedTopic))
		return
	}

	joinParams, _ := f.Payload.(map[string]interface{})
	if s.options.Authorize != nil && !s.options.Authorize(f.Topic, c.params, joinParams) {
		s.logger.Info().Str("conn", c.id).Str("topic", f.Topic).Msg("join refused")
		s.reply(c, errorReply(f, reasonUnauthorized))
		return
	}

	if previous, ok := c.takeMembership(f.Topic); ok {
		s.untrack(c, f.Topic, previous)
		s.reply(c, frame{JoinRef: previous.joinRef, Topic: f.Topic, Event: eventClose})
	}

	m := meta{"phx_ref": uuid.NewString(), "online_at": time.Now().Unix()}
	c.setMembership(f.Topic, membership{joinRef: f.JoinRef, phxRef: m["phx_ref"].(string)})
	s.reply(c, replyFrame(f, "ok", nil))

	diff := joinDiff(c.identity(), m)
	s.mu.Lock()
	if s.members[f.Topic] == nil {
		s.members[f.Topic] = make(map[string]*conn)
	}
	s.members[f.Topic][c.id] = c
	s.presence.apply(f.Topic, diff)
	state := s.presence.snapshot(f.Topic)
	s.mu.Unlock()

	s.logger.Debug().Str("conn", c.id).Str("topic", f.Topic).Msg("joined")
	s.reply(c, frame{JoinRef: f.JoinRef, Topic: f.Topic, Event: eventPresenceState, Payload: state})
	if err := s.broadcast(f.Topic, eventPresenceDiff, diff); err != nil {
		s.logger.Warn().Err(err).Str("topic", f.Topic).Msg("presence broadcast failed")
	}
}

func (s *Server) leave(c *conn, f frame) {
	s.reply(c, replyFrame(f, "ok", nil))

	m, ok := c.takeMembership(f.Topic)
	if !ok {
		return
	}
	s.untrack(c, f.Topic, m)
	s.reply(c, frame{JoinRef: m.joinRef, Topic: f.Topic, Event: eventClose})
}

// untrack removes c from topic and broadcasts the presence leave.
func (s *Server) untrack(c *conn, topic string, m membership) {
	key := c.identity()
	left := meta{"phx_ref": m.phxRef}

	s.mu.Lock()
	if members := s.members[topic]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.members, topic)
		}
	}
	for _, existing := range s.presence[topic][key].Metas {
		if existing["phx_ref"] == m.phxRef {
			left = existing
			break
		}
	}
	diff := leaveDiff(key, left)
	s.presence.apply(topic, diff)
	s.mu.Unlock()

	if err := s.broadcast(topic, eventPresenceDiff, diff); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("presence broadcast failed")
	}
}

// drop forgets a closed connection and untracks its topics.
func (s *Server) drop(c *conn) {
	for topic, m := range c.memberships() {
		c.takeMembership(topic)
		s.untrack(c, topic, m)
	}

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	s.logger.Debug().Str("conn", c.id).Msg("socket disconnected")
}

// broadcast delivers to local members right away and publishes for the
// other nodes.
func (s *Server) broadcast(topic, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.deliver(topic, event, json.RawMessage(raw))
	return s.relay.publish(topic, event, raw)
}

// handleRemote applies another node's presence diffs before delivering
// its events locally.
func (s *Server) handleRemote(env envelope) {
	if env.Event == eventPresenceDiff {
		var diff presenceDiff
		if err := json.Unmarshal(env.Payload, &diff); err != nil {
			s.logger.Warn().Err(err).Str("topic", env.Topic).Msg("bad presence diff")
			return
		}
		s.mu.Lock()
		s.presence.apply(env.Topic, diff)
		s.mu.Unlock()
	}

	s.deliver(env.Topic, env.Event, env.Payload)
}

func (s *Server) deliver(topic, event string, payload json.RawMessage) {
	s.mu.RLock()
	members := make([]*conn, 0, len(s.members[topic]))
	for _, c := range s.members[topic] {
		members = append(members, c)
	}
	s.mu.RUnlock()

	for _, c := range members {
		m, ok := c.membership(topic)
		if !ok {
			continue
		}
		if err := c.sendFrame(frame{JoinRef: m.joinRef, Topic: topic, Event: event, Payload: payload}); err != nil {
			s.logger.Debug().Err(err).Str("conn", c.id).Str("topic", topic).Msg("delivery failed")
		}
	}
}

func (s *Server) reply(c *conn, f frame) {
	if err := c.sendFrame(f); err != nil {
		s.logger.Debug().Err(err).Str("conn", c.id).Str("event", f.Event).Msg("reply failed")
	}
}

func (s *Server) topicAllowed(topic string) bool {
	if len(s.options.Topics) == 0 {
		return true
	}
	for _, pattern := range s.options.Topics {
		if pattern == topic {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}
