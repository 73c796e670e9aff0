package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"convsync/internal/reconnect"
)

type Config struct {
	Server    Server
	Auth      Auth
	Reconnect Reconnect
	Transport Transport
	Engine    Engine
	Store     Store
	Relay     Relay
	Logger    Logger
	Metrics   Metrics
}

type Server struct {
	WSURL  string `mapstructure:"ws_url"`
	APIURL string `mapstructure:"api_url"`
}

type Auth struct {
	Token    string
	Username string
	Password string
}

type Reconnect struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int `mapstructure:"max_attempts"`
}

type Transport struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type Engine struct {
	ResyncOnReconnect bool `mapstructure:"resync_on_reconnect"`
	HistoryPageSize   int  `mapstructure:"history_page_size"`
}

type Store struct {
	Driver    string // none | redis | postgres
	RedisAddr string `mapstructure:"redis_addr"`
	DSN       string
	TTL       time.Duration
}

type Relay struct {
	Addr      string
	Secret    string
	RedisAddr string `mapstructure:"redis_addr"`
}

type Logger struct {
	Env   string
	Level string
}

type Metrics struct {
	Addr string
}

func setDefaults(v *viper.Viper) {
	def := reconnect.DefaultConfig()
	v.SetDefault("server.ws_url", "ws://localhost:8080/ws")
	v.SetDefault("server.api_url", "http://localhost:8080")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("reconnect.initial_interval", def.InitialInterval)
	v.SetDefault("reconnect.max_interval", def.MaxInterval)
	v.SetDefault("reconnect.multiplier", def.Multiplier)
	v.SetDefault("reconnect.jitter", def.Jitter)
	v.SetDefault("reconnect.max_attempts", def.MaxAttempts)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("transport.write_wait", 10*time.Second)
	v.SetDefault("transport.pong_wait", 60*time.Second)
	v.SetDefault("transport.max_message_size", 64*1024)
	v.SetDefault("engine.resync_on_reconnect", true)
	v.SetDefault("engine.history_page_size", 50)
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.ttl", 7*24*time.Hour)
	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.secret", "")
	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("logger.env", "dev")
	v.SetDefault("logger.level", "info")
	v.SetDefault("metrics.addr", "")
}

// LoadConfig reads path, or config/convsync.yaml when path is empty, layered
// over defaults and CONVSYNC_* environment variables. Only an explicitly
// named file is required to exist.
func LoadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONVSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("convsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		slog.Error("Unable to unmarshal config", "err", err)
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "none", "":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of none, redis, postgres", c.Store.Driver))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts cannot be negative"))
	}
	if c.Engine.HistoryPageSize <= 0 {
		errs = append(errs, errors.New("engine.history_page_size must be positive"))
	}
	return errors.Join(errs...)
}

func (r Reconnect) Policy() *reconnect.Policy {
	return reconnect.New(reconnect.Config{
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		Jitter:          r.Jitter,
		MaxAttempts:     r.MaxAttempts,
	})
}
