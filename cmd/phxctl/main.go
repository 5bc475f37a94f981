package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	phxredux "github.com/trixtateam/phoenix-to-redux"
	"github.com/trixtateam/phoenix-to-redux/client"
	"github.com/trixtateam/phoenix-to-redux/storage"
)

const PhxCtlVersion = "0.1.0"

const (
	responseEvent = "phxctl/PUSH_RESPONSE"
	errorEvent    = "phxctl/PUSH_ERROR"
	timeoutEvent  = "phxctl/PUSH_TIMEOUT"
)

func main() {
	os.Exit(run())
}

func run() int {
	usage := `Phoenix channel control.

Every action passing through the store is printed as a YAML document.

Usage:
    phxctl join <domain> <topic> [--token=<token>] [--agent=<agent_id>]
        [--events=<events>] [--presence] [--wait=<wait>] [--config=<name>]
    phxctl push <domain> <topic> <event> [<payload>] [--token=<token>] [--agent=<agent_id>]
        [--timeout=<timeout>] [--config=<name>]
    phxctl logout [--config=<name>]
    phxctl serve [--addr=<addr>] [--token=<token>] [--redis] [--config=<name>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --token=<token>        Socket token, stored for later runs. With serve,
                           the token every socket must present.
    --agent=<agent_id>     Agent id, stored for later runs.
    --events=<events>      Comma separated channel events to print.
    --presence             Track presence on the channel.
    --wait=<wait>          Keep listening this long after joining [default: 0s].
    --timeout=<timeout>    Push timeout [default: 15s].
    --addr=<addr>          Listen address, overrides server.addr.
    --redis                Share presence and broadcasts through storage.redis.
    --config=<name>        Config file name without extension [default: phxctl].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PhxCtlVersion)
	if err != nil {
		panic(err)
	}

	configName, _ := opts.String("--config")
	bootstrap := phxredux.NewLogger(phxredux.LogConfig{Pretty: true})
	config, err := phxredux.LoadConfig(bootstrap, configName)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load config")
	}
	logger := phxredux.NewLogger(config.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveCmd, _ := opts.Bool("serve"); serveCmd {
		if addr, _ := opts.String("--addr"); addr != "" {
			config.Server.Addr = addr
		}
		if token, _ := opts.String("--token"); token != "" {
			config.Server.Token = token
		}
		if useRedis, _ := opts.Bool("--redis"); useRedis {
			config.Server.PubSub = phxredux.PubSubRedis
		}
		if err := serve(ctx, config, logger); err != nil {
			logger.Error().Err(err).Msg("server stopped")
			return 1
		}
		return 0
	}

	backend, err := storage.Open(ctx, &config.Storage)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", config.Storage.Driver).Msg("failed to open storage")
	}

	middleware := phxredux.NewMiddleware(&phxredux.Options{
		Factory:            client.Factory(config.Socket.ClientConfig(logger)),
		Credentials:        phxredux.NewCredentialStore(backend, logger),
		DomainURLParameter: config.DomainURLParameter,
		JoinTimeout:        config.Socket.Timeout,
		Logger:             logger,
	})
	defer middleware.Close()

	printer := newPrinter()
	store := phxredux.NewStore(phxredux.Reduce, phxredux.InitialState(), printer.Handle, middleware.Handle)

	if logout, _ := opts.Bool("logout"); logout {
		store.Dispatch(phxredux.ClearPhoenixLoginDetails())
		return 0
	}

	domain, _ := opts.String("<domain>")
	topic, _ := opts.String("<topic>")
	token, _ := opts.String("--token")
	agentID, _ := opts.String("--agent")

	if token != "" || agentID != "" {
		store.Dispatch(phxredux.UpdatePhoenixLoginDetails(phxredux.LoginDetails{Token: token, AgentID: agentID, Domain: domain}))
	}

	var events []phxredux.EventBinding
	if raw, _ := opts.String("--events"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			events = append(events, phxredux.EventBinding{EventName: name, EventActionType: "phxctl/EVENT_" + strings.ToUpper(name)})
		}
	}
	presence, _ := opts.Bool("--presence")

	joined := printer.await(phxredux.ChannelJoin, phxredux.ChannelJoinError, phxredux.ChannelTimeout, phxredux.NoPhoenixChannelFound)
	store.Dispatch(phxredux.ConnectPhoenix(domain, token, agentID))
	store.Dispatch(phxredux.GetPhoenixChannel(phxredux.JoinRequest{
		ChannelTopic: topic,
		DomainURL:    domain,
		Events:       events,
		LogPresence:  presence,
	}))

	outcome, ok := wait(ctx, joined)
	if !ok {
		return 0
	}
	if outcome != phxredux.ChannelJoin {
		logger.Error().Str("outcome", outcome).Str("topic", topic).Msg("join failed")
		return 1
	}

	if push, _ := opts.Bool("push"); push {
		return runPush(ctx, opts, store, printer, topic, logger)
	}

	raw, _ := opts.String("--wait")
	listen, err := time.ParseDuration(raw)
	if err != nil {
		logger.Fatal().Err(err).Str("wait", raw).Msg("invalid wait")
	}
	if listen > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(listen):
		}
	}
	store.Dispatch(phxredux.LeavePhoenixChannel(topic))
	store.Dispatch(phxredux.DisconnectPhoenix(false))
	return 0
}

func runPush(ctx context.Context, opts docopt.Opts, store *phxredux.Store[phxredux.State], printer *printer, topic string, logger zerolog.Logger) int {
	event, _ := opts.String("<event>")
	payload, _ := opts.String("<payload>")
	rawTimeout, _ := opts.String("--timeout")

	timeout, err := time.ParseDuration(rawTimeout)
	if err != nil {
		logger.Fatal().Err(err).Str("timeout", rawTimeout).Msg("invalid timeout")
	}

	var data interface{} = map[string]interface{}{}
	if payload != "" {
		if !gjson.Valid(payload) {
			logger.Fatal().Str("payload", payload).Msg("payload is not valid JSON")
		}
		data = gjson.Parse(payload).Value()
	}

	done := printer.await(responseEvent, errorEvent, timeoutEvent)
	store.Dispatch(phxredux.PushToPhoenixChannel(phxredux.PushRequest{
		ChannelTopic:              topic,
		EventName:                 event,
		RequestData:               data,
		ChannelResponseEvent:      responseEvent,
		ChannelErrorResponseEvent: errorEvent,
		ChannelTimeOutEvent:       timeoutEvent,
		DispatchChannelError:      true,
		ChannelPushTimeOut:        timeout,
		LoadingStatusKey:          event,
	}))

	outcome, ok := wait(ctx, done)
	store.Dispatch(phxredux.DisconnectPhoenix(false))
	if ok && outcome != responseEvent {
		return 1
	}
	return 0
}

func wait(ctx context.Context, outcome <-chan string) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case t := <-outcome:
		return t, true
	}
}

// printer writes every action as YAML and signals awaited action types.
type printer struct {
	mu      sync.Mutex
	waiters map[string]chan string
}

func newPrinter() *printer {
	return &printer{waiters: make(map[string]chan string)}
}

type printedAction struct {
	Type string      `yaml:"type"`
	Data interface{} `yaml:"data,omitempty"`
}

func (p *printer) Handle(dispatch phxredux.Dispatch, action phxredux.Action, next phxredux.Dispatch) {
	out, err := yaml.Marshal(printedAction{Type: action.Type, Data: action.Data})

	p.mu.Lock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "# %s: %v\n", action.Type, err)
	} else {
		fmt.Fprintf(os.Stdout, "---\n%s", out)
	}
	waiter := p.waiters[action.Type]
	p.mu.Unlock()

	next(action)

	if waiter != nil {
		select {
		case waiter <- action.Type:
		default:
		}
	}
}

// await returns a channel receiving the first of types to pass through.
func (p *printer) await(types ...string) <-chan string {
	done := make(chan string, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range types {
		p.waiters[t] = done
	}
	return done
}
