// Package config loads server and client settings from a TOML or YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/tether/internal/logging"
	"github.com/luciancaetano/tether/ws"
)

// Duration is a time.Duration written as a string such as "10s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Server ServerConfig `toml:"server" yaml:"server"`
	Client ClientConfig `toml:"client" yaml:"client"`
	Log    LogConfig    `toml:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
	Path string `toml:"path" yaml:"path"`
	// AllowedOrigins lists accepted Origin headers; "*" accepts any. Empty
	// accepts same-host requests only.
	AllowedOrigins   []string        `toml:"allowed_origins" yaml:"allowed_origins"`
	RateLimit        RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	PingInterval     Duration        `toml:"ping_interval" yaml:"ping_interval"`
	HandshakeTimeout Duration        `toml:"handshake_timeout" yaml:"handshake_timeout"`
	DisconnectGrace  Duration        `toml:"disconnect_grace" yaml:"disconnect_grace"`
	// ReconnectWindow is negative to keep dropped sessions until shutdown.
	ReconnectWindow Duration `toml:"reconnect_window" yaml:"reconnect_window"`
}

type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	MessagesPerSecond float64 `toml:"messages_per_second" yaml:"messages_per_second"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

type ClientConfig struct {
	URL string `toml:"url" yaml:"url"`
	// PingInterval is negative to disable the client heartbeat.
	PingInterval         Duration      `toml:"ping_interval" yaml:"ping_interval"`
	DisconnectGrace      Duration      `toml:"disconnect_grace" yaml:"disconnect_grace"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	Backoff              BackoffConfig `toml:"backoff" yaml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool     `toml:"jitter" yaml:"jitter"`
}

type LogConfig struct {
	Level   string `toml:"level" yaml:"level"`
	NoColor bool   `toml:"no_color" yaml:"no_color"`
	JSON    bool   `toml:"json" yaml:"json"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
			Path: "/ws",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				MessagesPerSecond: 100,
				Burst:             200,
			},
			PingInterval:     Duration(10 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
			DisconnectGrace:  Duration(100 * time.Millisecond),
			ReconnectWindow:  Duration(60 * time.Second),
		},
		Client: ClientConfig{
			URL:                  "ws://localhost:8080/ws",
			PingInterval:         Duration(10 * time.Second),
			DisconnectGrace:      Duration(50 * time.Millisecond),
			MaxReconnectAttempts: 4,
			Backoff: BackoffConfig{
				InitialDelay: Duration(250 * time.Millisecond),
				Multiplier:   2,
				MaxDelay:     Duration(5 * time.Second),
				Jitter:       true,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, .yaml or .yml. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("load config: unsupported file type %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.MessagesPerSecond <= 0 || c.Server.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("server.rate_limit needs positive messages_per_second and burst"))
	}
	for name, d := range map[string]Duration{
		"server.ping_interval":     c.Server.PingInterval,
		"server.handshake_timeout": c.Server.HandshakeTimeout,
		"server.disconnect_grace":  c.Server.DisconnectGrace,
		"client.disconnect_grace":  c.Client.DisconnectGrace,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Client.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("client.max_reconnect_attempts must not be negative"))
	}
	if c.Client.Backoff.Multiplier != 0 && c.Client.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("client.backoff.multiplier must be at least 1"))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); c.Log.Level != "" && !ok {
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ToServer converts the server section for ws.New.
func (c Config) ToServer(logger *zerolog.Logger) *ws.ServerConfig {
	s := c.Server
	rl := ws.NoRateLimit()
	if s.RateLimit.Enabled {
		rl = &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(s.RateLimit.MessagesPerSecond),
			Burst:             s.RateLimit.Burst,
			Enabled:           true,
		}
	}
	return &ws.ServerConfig{
		Addr:             s.Addr,
		Path:             s.Path,
		RateLimitConfig:  rl,
		CheckOrigin:      checkOrigin(s.AllowedOrigins),
		PingInterval:     time.Duration(s.PingInterval),
		HandshakeTimeout: time.Duration(s.HandshakeTimeout),
		DisconnectGrace:  time.Duration(s.DisconnectGrace),
		ReconnectWindow:  time.Duration(s.ReconnectWindow),
		Logger:           logger,
	}
}

// ToClient converts the client section for ws.NewClient.
func (c Config) ToClient(logger *zerolog.Logger) ws.ClientConfig {
	cl := c.Client
	return ws.ClientConfig{
		PingInterval:         time.Duration(cl.PingInterval),
		DisconnectGrace:      time.Duration(cl.DisconnectGrace),
		MaxReconnectAttempts: cl.MaxReconnectAttempts,
		Backoff: ws.BackoffConfig{
			InitialDelay: time.Duration(cl.Backoff.InitialDelay),
			Multiplier:   cl.Backoff.Multiplier,
			MaxDelay:     time.Duration(cl.Backoff.MaxDelay),
			Jitter:       cl.Backoff.Jitter,
		},
		Logger: logger,
	}
}

// ToLogging converts the log section; environment overrides still apply.
func (c Config) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		cfg.Level = lvl
	}
	cfg.NoColor = c.Log.NoColor
	cfg.JSON = c.Log.JSON
	logging.ApplyEnv(&cfg)
	return cfg
}

func checkOrigin(allowed []string) ws.CheckOriginFn {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return ws.AllOrigins()
		}
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[strings.ToLower(r.Header.Get("Origin"))]
		return ok
	}
}
