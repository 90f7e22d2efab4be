// Package config assembles process settings from defaults, an optional .env
// file, an optional YAML file, the environment and command-line flags, in
// that order of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatsync/internal/ratelimit"
)

const (
	BusRedis = "redis"
	BusNATS  = "nats"
	BusLocal = "local"

	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Addr      string `yaml:"addr"`
	DSN       string `yaml:"dsn"`
	JWTSecret string `yaml:"-"`
	RedisAddr string `yaml:"redis_addr"`
	NATSURL   string `yaml:"nats_url"`
	BusDriver string `yaml:"bus_driver"`

	RateLimitStore    string             `yaml:"ratelimit_store"`
	RateLimitFailOpen bool               `yaml:"ratelimit_fail_open"`
	RateLimits        []ratelimit.Policy `yaml:"rate_limits"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Presence Presence `yaml:"presence"`
	Socket   Socket   `yaml:"socket"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Policies is RateLimits merged over the built-in table.
	Policies map[string]ratelimit.Policy `yaml:"-"`
}

type Presence struct {
	// HeartbeatInterval is the heartbeat cadence clients are told to keep.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatTimeout is how long a user may go without a heartbeat before
	// turning offline.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	DisconnectGrace  time.Duration `yaml:"disconnect_grace"`
	TypingTimeout    time.Duration `yaml:"typing_timeout"`
}

type Socket struct {
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
	InboundRate  float64       `yaml:"inbound_rate"`
	InboundBurst int           `yaml:"inbound_burst"`
}

func Default() *Config {
	return &Config{
		Addr:           ":8080",
		RedisAddr:      "localhost:6379",
		NATSURL:        "nats://localhost:4222",
		BusDriver:      BusRedis,
		RateLimitStore: StoreRedis,
		LogLevel:       "info",
		LogFormat:      "text",
		Presence: Presence{
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			DisconnectGrace:   5 * time.Second,
			TypingTimeout:     1200 * time.Millisecond,
		},
		Socket: Socket{
			AuthTimeout:  10 * time.Second,
			SendBuffer:   256,
			InboundRate:  20,
			InboundBurst: 40,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration for the server binary. args are the command-line
// arguments without the program name.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	addr := fset.String("addr", "", "http service address")
	file := fset.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *file != "" {
		if err := cfg.loadFile(*file); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	cfg.Policies = ratelimit.DefaultPolicies()
	for _, p := range cfg.RateLimits {
		cfg.Policies[p.Name] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("DB_DSN", &c.DSN)
	str("JWT_SECRET", &c.JWTSecret)
	str("REDIS_ADDR", &c.RedisAddr)
	str("NATS_URL", &c.NATSURL)
	str("BUS_DRIVER", &c.BusDriver)
	str("RATELIMIT_STORE", &c.RateLimitStore)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := os.LookupEnv("RATELIMIT_FAIL_OPEN"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RATELIMIT_FAIL_OPEN: %w", err)
		}
		c.RateLimitFailOpen = b
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &c.Presence.HeartbeatInterval},
		{"HEARTBEAT_TIMEOUT", &c.Presence.HeartbeatTimeout},
		{"DISCONNECT_GRACE", &c.Presence.DisconnectGrace},
		{"TYPING_TIMEOUT", &c.Presence.TypingTimeout},
		{"AUTH_TIMEOUT", &c.Socket.AuthTimeout},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}

	switch c.BusDriver {
	case BusRedis, BusNATS, BusLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.BusDriver))
	}
	switch c.RateLimitStore {
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit store %q", c.RateLimitStore))
	}
	if (c.BusDriver == BusRedis || c.RateLimitStore == StoreRedis) && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required by the redis bus or counter store"))
	}
	if c.BusDriver == BusNATS && c.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required by the nats bus"))
	}

	if c.Presence.HeartbeatInterval <= 0 || c.Presence.DisconnectGrace <= 0 || c.Presence.TypingTimeout <= 0 {
		errs = append(errs, errors.New("presence timings must be positive"))
	}
	if c.Presence.HeartbeatTimeout < 2*c.Presence.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeat timeout %s must be at least twice the interval %s",
			c.Presence.HeartbeatTimeout, c.Presence.HeartbeatInterval))
	}

	for _, name := range []string{ratelimit.PolicyAuth, ratelimit.PolicyAPI, ratelimit.PolicySearch, ratelimit.PolicyMessage} {
		if _, ok := c.Policies[name]; !ok {
			errs = append(errs, fmt.Errorf("rate limit policy %q is missing", name))
		}
	}
	for _, p := range c.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.BusDriver == BusRedis || c.RateLimitStore == StoreRedis
}

// Redacted returns the DSN with any password masked, for start-up logs.
func (c *Config) Redacted() string {
	dsn := c.DSN
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
	}
	return dsn
}
