package phxredux

import (
	"time"

	"github.com/trixtateam/phoenix-to-redux/realtime"
)

const (
	intentBase = "@trixta/phoenix-to-redux"
	eventBase  = "@trixta/phoenix-to-redux-event"
)

// Intents handled by the middleware.
const (
	PhoenixConnect        = intentBase + "/PHOENIX_CONNECT_SOCKET"
	PhoenixDisconnect     = intentBase + "/PHOENIX_DISCONNECT_SOCKET"
	PhoenixGetChannel     = intentBase + "/PHOENIX_GET_CHANNEL"
	PhoenixPushToChannel  = intentBase + "/PHOENIX_PUSH_TO_CHANNEL"
	PhoenixLeaveChannel   = intentBase + "/PHOENIX_LEAVE_CHANNEL"
	PhoenixLeaveEvents    = intentBase + "/PHOENIX_LEAVE_CHANNEL_EVENTS"
	PhoenixUpdateLogin    = intentBase + "/PHOENIX_UPDATE_LOGIN_DETAILS"
	PhoenixClearLogin     = intentBase + "/PHOENIX_CLEAR_LOGIN"
	ChannelLoadingStatus  = intentBase + "/CHANNEL_LOADING_STATUS"
	ChannelProgressEnded  = intentBase + "/CHANNEL_PROGRESS_ENDED"
	NoPhoenixChannelFound = intentBase + "/NO_PHOENIX_CHANNEL_FOUND"
	InvalidSocket         = intentBase + "/INVALID_SOCKET"
)

// Socket events dispatched by the middleware.
const (
	SocketConnect    = eventBase + "/PHOENIX_SOCKET_CONNECT"
	SocketOpen       = eventBase + "/PHOENIX_SOCKET_OPEN"
	SocketClose      = eventBase + "/PHOENIX_SOCKET_CLOSE"
	SocketError      = eventBase + "/PHOENIX_SOCKET_ERROR"
	SocketDisconnect = eventBase + "/PHOENIX_SOCKET_DISCONNECT"
)

// Channel events dispatched by the middleware.
const (
	ChannelJoin           = eventBase + "/PHOENIX_CHANNEL_JOIN"
	ChannelLeave          = eventBase + "/PHOENIX_CHANNEL_LEAVE"
	ChannelPush           = eventBase + "/PHOENIX_CHANNEL_PUSH"
	ChannelClose          = eventBase + "/PHOENIX_CHANNEL_CLOSE"
	ChannelPushError      = eventBase + "/PHOENIX_CHANNEL_PUSH_ERROR"
	ChannelJoinError      = eventBase + "/PHOENIX_CHANNEL_JOIN_ERROR"
	ChannelError          = eventBase + "/PHOENIX_CHANNEL_ERROR"
	ChannelTimeout        = eventBase + "/PHOENIX_CHANNEL_TIMEOUT"
	ChannelUpdated        = eventBase + "/PHOENIX_CHANNEL_UPDATED"
	ChannelPresenceUpdate = eventBase + "/PHOENIX_CHANNEL_PRESENCE_UPDATE"
	ChannelPresenceLeave  = eventBase + "/PHOENIX_CHANNEL_PRESENCE_LEAVE"
	ChannelPresenceJoin   = eventBase + "/PHOENIX_CHANNEL_PRESENCE_JOIN"
	ChannelPresenceState  = eventBase + "/PHOENIX_CHANNEL_PRESENCE_STATE"
	ChannelPresenceChange = eventBase + "/PHOENIX_CHANNEL_PRESENCE_CHANGE"
)

// DefaultPushTimeout applies when a push request sets no timeout.
const DefaultPushTimeout = 15000 * time.Millisecond

// RequestTimedOut is the message carried by push timeout events.
const RequestTimedOut = "Request time out"

// Action is a dispatched intent.
type Action struct {
	Type string
	Data interface{}
}

// Dispatch sends an action through the store.
type Dispatch func(action Action)

// EventBinding maps a channel event to the action type dispatched for it.
type EventBinding struct {
	EventName       string `yaml:"eventName"`
	EventActionType string `yaml:"eventActionType"`
}

// ConnectRequest is the data of PhoenixConnect. Empty fields fall back to
// the stored login details.
type ConnectRequest struct {
	DomainURL string                 `yaml:"domainUrl,omitempty"`
	Token     string                 `yaml:"token,omitempty"`
	AgentID   string                 `yaml:"agentId,omitempty"`
	Params    map[string]interface{} `yaml:"params,omitempty"`
}

type DisconnectRequest struct {
	ClearCredentials bool `yaml:"clearCredentials"`
}

// JoinRequest is the data of PhoenixGetChannel.
type JoinRequest struct {
	ChannelTopic           string         `yaml:"channelTopic"`
	DomainURL              string         `yaml:"domainUrl,omitempty"`
	Location               string         `yaml:"location,omitempty"`
	Events                 []EventBinding `yaml:"events,omitempty"`
	ChannelToken           string         `yaml:"channelToken,omitempty"`
	LogPresence            bool           `yaml:"logPresence"`
	ResponseActionType     string         `yaml:"responseActionType,omitempty"`
	RequiresAuthentication bool           `yaml:"requiresAuthentication"`
	AdditionalData         interface{}    `yaml:"additionalData,omitempty"`
}

// PushRequest is the data of PhoenixPushToChannel.
type PushRequest struct {
	ChannelTopic              string        `yaml:"channelTopic"`
	EventName                 string        `yaml:"eventName"`
	RequestData               interface{}   `yaml:"requestData,omitempty"`
	ChannelResponseEvent      string        `yaml:"channelResponseEvent,omitempty"`
	ChannelErrorResponseEvent string        `yaml:"channelErrorResponseEvent,omitempty"`
	ChannelTimeOutEvent       string        `yaml:"channelTimeOutEvent,omitempty"`
	AdditionalData            interface{}   `yaml:"additionalData,omitempty"`
	DispatchChannelError      bool          `yaml:"dispatchChannelError"`
	ChannelPushTimeOut        time.Duration `yaml:"channelPushTimeOut"`
	EndProgressDelay          time.Duration `yaml:"endProgressDelay,omitempty"`
	LoadingStatusKey          string        `yaml:"loadingStatusKey,omitempty"`
}

type LeaveRequest struct {
	ChannelTopic string `yaml:"channelTopic"`
}

type LeaveEventsRequest struct {
	ChannelTopic string   `yaml:"channelTopic"`
	Events       []string `yaml:"events"`
}

// LoginDetails is the data of PhoenixUpdateLogin.
type LoginDetails struct {
	Token   string `yaml:"token,omitempty"`
	AgentID string `yaml:"agentId,omitempty"`
	Domain  string `yaml:"domain,omitempty"`
}

// SocketEvent is the data of the Socket* events.
type SocketEvent struct {
	Socket      realtime.Socket        `yaml:"-"`
	DomainKey   string                 `yaml:"domainKey"`
	Params      map[string]interface{} `yaml:"params,omitempty"`
	Error       error                  `yaml:"-"`
	Message     string                 `yaml:"message,omitempty"`
	SocketState realtime.ReadyState    `yaml:"socketState"`
	Clean       bool                   `yaml:"clean"`
	Code        int                    `yaml:"code,omitempty"`
}

// ChannelEvent is the data of the channel lifecycle events.
type ChannelEvent struct {
	Channel        realtime.Channel   `yaml:"-"`
	ChannelTopic   string             `yaml:"channelTopic"`
	Response       interface{}        `yaml:"response,omitempty"`
	Error          interface{}        `yaml:"error,omitempty"`
	AdditionalData interface{}        `yaml:"additionalData,omitempty"`
	Presence       *realtime.Presence `yaml:"-"`
}

// ResponseEvent is the data of caller-named push outcome events.
type ResponseEvent struct {
	ChannelTopic string      `yaml:"channelTopic"`
	Data         interface{} `yaml:"data,omitempty"`
	Error        interface{} `yaml:"error,omitempty"`
	Dispatch     Dispatch    `yaml:"-"`
}

// PushResult is the data of ChannelPush.
type PushResult struct {
	ChannelTopic string      `yaml:"channelTopic"`
	Data         interface{} `yaml:"data,omitempty"`
}

// BoundEvent is the data dispatched for a channel event bound via EventBinding.
type BoundEvent struct {
	Data         interface{} `yaml:"data,omitempty"`
	EventName    string      `yaml:"eventName"`
	ChannelTopic string      `yaml:"channelTopic"`
}

// Progress is the data of ChannelLoadingStatus and ChannelProgressEnded.
type Progress struct {
	ChannelTopic     string `yaml:"channelTopic"`
	LoadingStatusKey string `yaml:"loadingStatusKey,omitempty"`
}

type PresenceJoin struct {
	ID          string                  `yaml:"id"`
	Current     *realtime.PresenceEntry `yaml:"current,omitempty"`
	NewPresence realtime.PresenceEntry  `yaml:"newPresence"`
	Channel     realtime.Channel        `yaml:"-"`
}

type PresenceLeave struct {
	ID           string                 `yaml:"id"`
	Current      realtime.PresenceEntry `yaml:"current"`
	LeftPresence realtime.PresenceEntry `yaml:"leftPresence"`
	Channel      realtime.Channel       `yaml:"-"`
}

// PresenceUpdate carries the full presence list after a sync.
type PresenceUpdate struct {
	List    []realtime.PresenceEntry `yaml:"list"`
	Channel realtime.Channel         `yaml:"-"`
}

// PresencePayload forwards a raw presence_state or presence_diff payload.
type PresencePayload struct {
	ChannelTopic string           `yaml:"channelTopic"`
	Payload      interface{}      `yaml:"payload"`
	Channel      realtime.Channel `yaml:"-"`
}

// ConnectPhoenix asks the middleware to connect with the given login
// details, or the stored ones when empty.
func ConnectPhoenix(domainURL, token, agentID string) Action {
	return Action{Type: PhoenixConnect, Data: ConnectRequest{DomainURL: domainURL, Token: token, AgentID: agentID}}
}

// ConnectPhoenixWithParams connects with explicit socket params.
func ConnectPhoenixWithParams(domainURL string, params map[string]interface{}) Action {
	return Action{Type: PhoenixConnect, Data: ConnectRequest{DomainURL: domainURL, Params: params}}
}

func DisconnectPhoenix(clearCredentials bool) Action {
	return Action{Type: PhoenixDisconnect, Data: DisconnectRequest{ClearCredentials: clearCredentials}}
}

// GetPhoenixChannel joins an authenticated channel.
func GetPhoenixChannel(req JoinRequest) Action {
	req.RequiresAuthentication = true
	return Action{Type: PhoenixGetChannel, Data: req}
}

// GetAnonymousPhoenixChannel joins a channel on an unauthenticated socket.
func GetAnonymousPhoenixChannel(req JoinRequest) Action {
	req.RequiresAuthentication = false
	return Action{Type: PhoenixGetChannel, Data: req}
}

// PushToPhoenixChannel pushes an event. A zero timeout means DefaultPushTimeout.
func PushToPhoenixChannel(req PushRequest) Action {
	if req.ChannelPushTimeOut <= 0 {
		req.ChannelPushTimeOut = DefaultPushTimeout
	}
	return Action{Type: PhoenixPushToChannel, Data: req}
}

func LeavePhoenixChannel(channelTopic string) Action {
	return Action{Type: PhoenixLeaveChannel, Data: LeaveRequest{ChannelTopic: channelTopic}}
}

func LeaveEventsForPhoenixChannel(channelTopic string, events ...string) Action {
	return Action{Type: PhoenixLeaveEvents, Data: LeaveEventsRequest{ChannelTopic: channelTopic, Events: events}}
}

func UpdatePhoenixLoginDetails(details LoginDetails) Action {
	return Action{Type: PhoenixUpdateLogin, Data: details}
}

func ClearPhoenixLoginDetails() Action {
	return Action{Type: PhoenixClearLogin}
}

func endProgress(channelTopic, loadingStatusKey string) Action {
	return Action{Type: ChannelProgressEnded, Data: Progress{ChannelTopic: channelTopic, LoadingStatusKey: loadingStatusKey}}
}

func updateLoadingStatus(channelTopic, loadingStatusKey string) Action {
	return Action{Type: ChannelLoadingStatus, Data: Progress{ChannelTopic: channelTopic, LoadingStatusKey: loadingStatusKey}}
}
