package phxredux

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/trixtateam/phoenix-to-redux/client"
	"github.com/trixtateam/phoenix-to-redux/storage"
)

// Config is the file and environment configuration of a phoenix store.
type Config struct {
	Log                LogConfig      `mapstructure:"log"`
	Storage            storage.Config `mapstructure:"storage"`
	Socket             SocketConfig   `mapstructure:"socket"`
	Server             ServerConfig   `mapstructure:"server"`
	DomainURLParameter string         `mapstructure:"domainUrlParameter"`
	PushTimeout        time.Duration  `mapstructure:"pushTimeout"`
}

// SocketConfig mirrors client.Config.
type SocketConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`
	MaxReconnectTries int           `mapstructure:"maxReconnectTries"`
	RejoinInterval    time.Duration `mapstructure:"rejoinInterval"`
}

// ServerConfig configures the development server started by phxctl serve.
// PubSub is "local" for a single node or "redis" to share presence and
// broadcasts with other nodes through storage.redis.
type ServerConfig struct {
	Addr   string   `mapstructure:"addr"`
	PubSub string   `mapstructure:"pubsub"`
	Token  string   `mapstructure:"token"`
	Topics []string `mapstructure:"topics"`
}

const (
	PubSubLocal = "local"
	PubSubRedis = "redis"
)

// ClientConfig converts the socket settings for the client package.
func (s SocketConfig) ClientConfig(logger zerolog.Logger) *client.Config {
	cfg := client.DefaultConfig()
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = s.HeartbeatInterval
	}
	if s.ReconnectInterval > 0 {
		cfg.ReconnectInterval = s.ReconnectInterval
	}
	if s.RejoinInterval > 0 {
		cfg.RejoinInterval = s.RejoinInterval
	}
	cfg.MaxReconnectTries = s.MaxReconnectTries
	cfg.Logger = &logger
	return cfg
}

// LoadConfig reads configuration from an optional YAML file named fileName
// in the working directory and PHXREDUX_* environment variables.
func LoadConfig(logger zerolog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("storage.driver", storage.DriverSQLite)
	v.SetDefault("storage.path", "phoenix.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "phoenix-to-redux:")
	v.SetDefault("socket.timeout", "10s")
	v.SetDefault("socket.heartbeatInterval", "30s")
	v.SetDefault("socket.reconnectInterval", "1s")
	v.SetDefault("socket.maxReconnectTries", -1)
	v.SetDefault("socket.rejoinInterval", "1s")
	v.SetDefault("server.addr", ":4000")
	v.SetDefault("server.pubsub", PubSubLocal)
	v.SetDefault("server.token", "")
	v.SetDefault("domainUrlParameter", "domain")
	v.SetDefault("pushTimeout", DefaultPushTimeout.String())

	if fileName != "" {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PHXREDUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fileName != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
			logger.Warn().Str("file", fileName).Msg("config file not found, using defaults and environment")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
