package phxredux

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/trixtateam/phoenix-to-redux/realtime"
)

const (
	closeNormal       = 1000
	reasonNormal      = "normal closure"
	reasonUpgraded    = "upgraded to authenticated session"
	reasonNewDomain   = "switched socket domain"
	connectionLostMsg = "Connection to server lost."
)

// ConnectionManager owns the single live socket of a middleware and turns
// its lifecycle callbacks into socket events.
type ConnectionManager struct {
	mu          sync.Mutex
	factory     realtime.Factory
	dispatch    Dispatch
	logger      zerolog.Logger
	socket      realtime.Socket
	domainKey   string
	params      map[string]interface{}
	cleanClose  bool
	unsubscribe []func()
}

// NewConnectionManager returns a manager with no socket. Socket events go
// to dispatch.
func NewConnectionManager(factory realtime.Factory, dispatch Dispatch, logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		factory:  factory,
		dispatch: dispatch,
		logger:   logger.With().Str("component", "connection").Logger(),
	}
}

// Socket returns the live socket, or nil.
func (m *ConnectionManager) Socket() realtime.Socket {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.socket
}

func (m *ConnectionManager) DomainKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.domainKey
}

// Params returns the params of the live socket, or the last ones used.
func (m *ConnectionManager) Params() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.params
}

// RequestConnect makes sure a socket to domainURL with params is live. An
// equal request on a live socket is a no-op; different params on the same
// domain, or a socket the server closed cleanly, replace the socket. It returns false when domainURL formats to nothing or the
// socket cannot be built.
func (m *ConnectionManager) RequestConnect(domainURL string, params map[string]interface{}) bool {
	endpoint := FormatSocketDomain(domainURL)
	if endpoint == "" {
		m.logger.Debug().Str("domain", domainURL).Msg("no socket domain, not connecting")
		return false
	}
	domainKey := DomainKeyFromURL(endpoint)

	m.mu.Lock()
	current := m.socket
	sameDomain := current != nil && m.domainKey == domainKey
	sameParams := sameDomain && cmp.Equal(m.params, params, cmpopts.EquateEmpty())
	cleanClose := m.cleanClose
	m.mu.Unlock()

	// A socket closed cleanly will not come back on its own.
	dead := current != nil && cleanClose && current.ReadyState() == realtime.Closed
	if sameParams && !dead {
		return true
	}

	m.mu.Lock()
	if m.socket != current {
		current = m.socket
		sameDomain = current != nil && m.domainKey == domainKey
	}
	unsubscribe := m.detachLocked()
	m.mu.Unlock()

	if current != nil {
		reason := reasonNewDomain
		switch {
		case dead:
			reason = reasonNormal
		case sameDomain:
			reason = reasonUpgraded
		}
		m.logger.Info().Str("domain_key", domainKey).Str("reason", reason).Msg("replacing socket")
		m.teardown(current, unsubscribe, reason)
	}

	return m.connect(endpoint, params)
}

// RequestDisconnect closes the live socket with a normal closure and
// dispatches SocketDisconnect. It reports whether a socket was closed.
func (m *ConnectionManager) RequestDisconnect() bool {
	m.mu.Lock()
	current := m.socket
	domainKey := m.domainKey
	unsubscribe := m.detachLocked()
	m.mu.Unlock()

	if current == nil {
		return false
	}

	m.teardown(current, unsubscribe, reasonNormal)
	m.dispatch(Action{Type: SocketDisconnect, Data: SocketEvent{Socket: current, DomainKey: domainKey, Clean: true, Code: closeNormal}})
	return true
}

// ResolveForChannelAccess returns a socket for requestedDomain, creating
// one when there is none, when the live one points elsewhere, or when it
// was closed cleanly. Empty params reuse the last known ones.
func (m *ConnectionManager) ResolveForChannelAccess(requestedDomain string, params map[string]interface{}) realtime.Socket {
	m.mu.Lock()
	current := m.socket
	domainKey := m.domainKey
	cleanClose := m.cleanClose
	if len(params) == 0 {
		params = m.params
	}
	m.mu.Unlock()

	endpoint := FormatSocketDomain(requestedDomain)
	if endpoint == "" {
		return current
	}

	sameDomain := current != nil && DomainKeyFromURL(endpoint) == domainKey
	if sameDomain {
		if current.ReadyState() != realtime.Closed || !cleanClose {
			return current
		}
		m.mu.Lock()
		unsubscribe := m.detachLocked()
		m.mu.Unlock()
		m.teardown(current, unsubscribe, reasonNormal)
	}

	if !m.RequestConnect(endpoint, params) {
		return nil
	}
	return m.Socket()
}

func (m *ConnectionManager) connect(endpoint string, params map[string]interface{}) bool {
	socket, err := m.factory(endpoint, params)
	if err != nil || socket == nil {
		m.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to create socket")
		return false
	}

	domainKey := DomainKeyFromURL(endpoint)
	unsubscribe := []func(){
		socket.OnError(func(err error) {
			m.handleError(socket, domainKey, err)
		}),
		socket.OnOpen(func() {
			m.mu.Lock()
			m.cleanClose = false
			m.mu.Unlock()

			m.dispatch(Action{Type: SocketOpen, Data: SocketEvent{Socket: socket, DomainKey: domainKey, Params: params, SocketState: realtime.Open}})
		}),
		socket.OnClose(func(event realtime.CloseEvent) {
			m.mu.Lock()
			if m.socket == socket {
				m.cleanClose = event.Clean
			}
			m.mu.Unlock()

			m.dispatch(Action{Type: SocketClose, Data: SocketEvent{
				Socket:      socket,
				DomainKey:   domainKey,
				Params:      params,
				Message:     event.Reason,
				SocketState: realtime.Closed,
				Clean:       event.Clean,
				Code:        event.Code,
			}})
		}),
	}

	m.mu.Lock()
	m.socket = socket
	m.domainKey = domainKey
	m.params = params
	m.cleanClose = false
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.logger.Info().Str("endpoint", endpoint).Str("socket_id", socket.ID()).Msg("connecting")
	m.dispatch(Action{Type: SocketConnect, Data: SocketEvent{Socket: socket, DomainKey: domainKey, Params: params, SocketState: realtime.Connecting}})

	if err := socket.Connect(); err != nil {
		m.logger.Error().Err(err).Str("endpoint", endpoint).Msg("failed to start socket")
	}
	return true
}

// handleError reports a transport error. An error on a closed or closing
// socket is terminal and forces a disconnect.
func (m *ConnectionManager) handleError(socket realtime.Socket, domainKey string, err error) {
	state := socket.ReadyState()
	terminal := state == realtime.Closed || state == realtime.Closing

	message := connectionLostMsg
	if !terminal && err != nil {
		message = err.Error()
	}

	m.logger.Warn().Err(err).Str("domain_key", domainKey).Stringer("ready_state", state).Msg("socket error")
	m.dispatch(Action{Type: SocketError, Data: SocketEvent{Socket: socket, DomainKey: domainKey, Error: err, Message: message, SocketState: state}})

	if terminal && m.Socket() == socket {
		m.dispatch(DisconnectPhoenix(false))
	}
}

// detachLocked forgets the live socket and returns its callback
// unsubscribers. m.mu must be held.
func (m *ConnectionManager) detachLocked() []func() {
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.socket = nil
	return unsubscribe
}

func (m *ConnectionManager) teardown(socket realtime.Socket, unsubscribe []func(), reason string) {
	for _, fn := range unsubscribe {
		fn()
	}
	if err := socket.Disconnect(closeNormal, reason); err != nil {
		m.logger.Debug().Err(err).Str("reason", reason).Msg("socket disconnect")
	}
}
