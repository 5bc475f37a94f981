package phxredux

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/client"
	"github.com/trixtateam/phoenix-to-redux/realtime"
	"github.com/trixtateam/phoenix-to-redux/storage"
)

// Options configures a Middleware.
type Options struct {
	// Factory builds sockets. Defaults to the websocket client.
	Factory realtime.Factory

	// Credentials holds the stored login details. Defaults to the SQLite
	// file of storage.DefaultConfig, or memory when it cannot be opened.
	Credentials *CredentialStore

	// DomainURLParameter is the query parameter of JoinRequest.Location
	// that may carry the socket domain.
	DomainURLParameter string

	// JoinTimeout bounds join and leave handshakes.
	JoinTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultOptions returns options for the websocket client factory, the
// default credential store and a silent logger.
func DefaultOptions() *Options {
	return &Options{
		DomainURLParameter: "domain",
		JoinTimeout:        10 * time.Second,
		Logger:             zerolog.Nop(),
	}
}

// Middleware translates phoenix intents into socket and channel calls and
// the client's callbacks back into actions.
type Middleware struct {
	mu          sync.RWMutex
	dispatch    Dispatch
	options     *Options
	credentials *CredentialStore
	logger      zerolog.Logger
	connection  *ConnectionManager
	presence    *PresenceTracker
	channels    *ChannelRegistry
	pushes      *PushCoordinator
}

// NewMiddleware builds a middleware from opts, filling unset options with
// the defaults. Attach it to a store with NewStore(..., m.Handle).
func NewMiddleware(opts *Options) *Middleware {
	if opts == nil {
		opts = DefaultOptions()
	}
	options := *opts
	if options.DomainURLParameter == "" {
		options.DomainURLParameter = "domain"
	}
	if options.JoinTimeout <= 0 {
		options.JoinTimeout = 10 * time.Second
	}

	logger := options.Logger.With().Str("component", "middleware").Logger()
	if options.Factory == nil {
		config := client.DefaultConfig()
		config.Timeout = options.JoinTimeout
		config.Logger = &options.Logger
		options.Factory = client.Factory(config)
	}
	if options.Credentials == nil {
		options.Credentials = NewCredentialStore(openDefaultBackend(options.Logger), options.Logger)
	}

	m := &Middleware{
		options:     &options,
		credentials: options.Credentials,
		logger:      logger,
	}
	m.connection = NewConnectionManager(options.Factory, m.emit, options.Logger)
	m.presence = NewPresenceTracker(m.emit, options.Logger)
	m.channels = NewChannelRegistry(m.emit, m.presence, options.JoinTimeout, options.Logger)
	m.pushes = NewPushCoordinator(m.emit, m.channels, options.Logger)
	return m
}

// openDefaultBackend opens the persistent default store, or an in-memory
// one when that fails.
func openDefaultBackend(logger zerolog.Logger) storage.Backend {
	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()

	cfg := storage.DefaultConfig()
	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Driver).Str("path", cfg.Path).Msg("credentials will not persist")
		return storage.NewMemory()
	}
	return backend
}

// Connection exposes the middleware's connection manager.
func (m *Middleware) Connection() *ConnectionManager {
	return m.connection
}

// Handle is a MiddlewareFunc.
func (m *Middleware) Handle(dispatch Dispatch, action Action, next Dispatch) {
	m.mu.Lock()
	m.dispatch = dispatch
	m.mu.Unlock()

	switch action.Type {
	case PhoenixConnect:
		req, _ := dataAs[ConnectRequest](action)
		m.connect(req)

	case PhoenixDisconnect:
		req, _ := dataAs[DisconnectRequest](action)
		m.disconnect(req)

	case PhoenixGetChannel:
		req, ok := dataAs[JoinRequest](action)
		if !ok {
			m.logger.Warn().Str("type", action.Type).Msg("missing join request")
			return
		}
		m.getChannel(req)

	case PhoenixPushToChannel:
		req, ok := dataAs[PushRequest](action)
		if !ok {
			m.logger.Warn().Str("type", action.Type).Msg("missing push request")
			return
		}
		m.push(req)

	case PhoenixLeaveChannel:
		req, _ := dataAs[LeaveRequest](action)
		socket := m.connection.Socket()
		if !hasValidSocket(socket) {
			m.emit(Action{Type: InvalidSocket, Data: ChannelEvent{ChannelTopic: req.ChannelTopic}})
			return
		}
		m.channels.Leave(socket, req.ChannelTopic)

	case PhoenixLeaveEvents:
		req, _ := dataAs[LeaveEventsRequest](action)
		socket := m.connection.Socket()
		if !hasValidSocket(socket) {
			m.emit(Action{Type: InvalidSocket, Data: ChannelEvent{ChannelTopic: req.ChannelTopic}})
			return
		}
		m.channels.UnbindEvents(socket, req.ChannelTopic, req.Events)

	case PhoenixUpdateLogin:
		details, _ := dataAs[LoginDetails](action)
		if details.Token != "" {
			m.credentials.Set(PhoenixToken, details.Token)
		}
		if details.AgentID != "" {
			m.credentials.Set(PhoenixAgentID, details.AgentID)
		}
		if domain := FormatSocketDomain(details.Domain); domain != "" {
			m.credentials.Set(PhoenixSocketDomain, domain)
		}
		next(action)

	case PhoenixClearLogin:
		m.credentials.Clear()
		next(action)

	default:
		next(action)
	}
}

// Close disconnects the socket and releases the credential store.
func (m *Middleware) Close() error {
	m.connection.RequestDisconnect()
	m.presence.Reset()
	return m.credentials.Close()
}

func (m *Middleware) connect(req ConnectRequest) {
	domain := req.DomainURL
	if domain == "" {
		domain = m.credentials.GetString(PhoenixSocketDomain)
	} else if endpoint := FormatSocketDomain(domain); endpoint != "" {
		m.credentials.Set(PhoenixSocketDomain, endpoint)
	}

	token := req.Token
	if token == "" {
		token = m.credentials.GetString(PhoenixToken)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = m.credentials.GetString(PhoenixAgentID)
	}

	params := req.Params
	if len(params) == 0 {
		params = authParams(token, agentID)
	}

	if !m.connection.RequestConnect(domain, params) {
		m.logger.Debug().Err(ErrNoDomain).Str("domain", domain).Msg("cannot connect")
		m.emit(DisconnectPhoenix(true))
	}
}

func (m *Middleware) disconnect(req DisconnectRequest) {
	if !m.connection.RequestDisconnect() {
		return
	}
	m.presence.Reset()
	if req.ClearCredentials {
		m.credentials.Clear()
	}
}

func (m *Middleware) getChannel(req JoinRequest) {
	if urlDomain := GetURLParameter(req.Location, m.options.DomainURLParameter, ""); urlDomain != "" {
		m.credentials.Set(PhoenixSocketDomain, FormatSocketDomain(urlDomain))
	}
	if req.DomainURL != "" {
		m.credentials.Set(PhoenixSocketDomain, FormatSocketDomain(req.DomainURL))
	}

	domain := m.credentials.GetString(PhoenixSocketDomain)
	var params map[string]interface{}
	if req.RequiresAuthentication {
		params = authParams(m.credentials.GetString(PhoenixToken), m.credentials.GetString(PhoenixAgentID))
	}

	socket := m.connection.ResolveForChannelAccess(domain, params)
	if !hasValidSocket(socket) {
		m.logger.Debug().Err(ErrNoSocket).Str("topic", req.ChannelTopic).Msg("cannot resolve socket for channel")
		m.emit(DisconnectPhoenix(true))
	}

	m.emit(m.channels.JoinOrAttach(socket, req))
}

func (m *Middleware) push(req PushRequest) {
	socket := m.connection.Socket()
	if !hasValidSocket(socket) {
		m.logger.Debug().Err(ErrNoSocket).Str("topic", req.ChannelTopic).Str("event", req.EventName).Msg("cannot push")
		m.emit(DisconnectPhoenix(true))
		return
	}
	m.pushes.Push(socket, req)
}

// emit dispatches from the top of the store, or drops the action when the
// middleware has not seen a store yet.
func (m *Middleware) emit(action Action) {
	m.mu.RLock()
	dispatch := m.dispatch
	m.mu.RUnlock()

	if dispatch == nil {
		m.logger.Warn().Str("type", action.Type).Msg("dropping action, no store attached")
		return
	}
	dispatch(action)
}

func authParams(token, agentID string) map[string]interface{} {
	if token == "" || agentID == "" {
		return nil
	}
	return map[string]interface{}{"token": token, "agent_id": agentID}
}

// dataAs returns the action data as T, accepting T or *T.
func dataAs[T any](action Action) (T, bool) {
	switch v := action.Data.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}
