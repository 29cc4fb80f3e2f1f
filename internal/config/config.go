// Package config loads servicematch settings from defaults, an optional
// YAML file and SERVICEMATCH_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/servicematch/internal/dispatch/engine"
	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/internal/http/middleware"
	"github.com/example/servicematch/internal/location"
	"github.com/example/servicematch/internal/realtime"
)

// EnvPrefix namespaces environment overrides. Nested keys use "__", e.g.
// SERVICEMATCH_DISPATCH__OFFER_TIMEOUT=8s.
const EnvPrefix = "SERVICEMATCH_"

type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	GRPC      GRPCConfig      `koanf:"grpc"`
	Redis     RedisConfig     `koanf:"redis"`
	Bus       BusConfig       `koanf:"bus"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Logging   LoggingConfig   `koanf:"logging"`
	Tracing   TracingConfig   `koanf:"tracing"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

// RedisConfig selects the shared store. An empty Addr keeps every store in
// process memory.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type BusConfig struct {
	Driver string      `koanf:"driver"`
	NATS   NATSConfig  `koanf:"nats"`
	Kafka  KafkaConfig `koanf:"kafka"`
	Retry  RetryConfig `koanf:"retry"`
	Groups GroupConfig `koanf:"groups"`
}

type NATSConfig struct {
	URL        string        `koanf:"url"`
	Stream     string        `koanf:"stream"`
	AckWait    time.Duration `koanf:"ack_wait"`
	MaxDeliver int           `koanf:"max_deliver"`
	NakDelay   time.Duration `koanf:"nak_delay"`
}

type KafkaConfig struct {
	Brokers      []string      `koanf:"brokers"`
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Backoff     time.Duration `koanf:"backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
}

// GroupConfig names the consumer groups of each subscriber.
type GroupConfig struct {
	Dispatch string `koanf:"dispatch"`
	Router   string `koanf:"router"`
	Location string `koanf:"location"`
}

type DispatchConfig struct {
	MaxRings        int           `koanf:"max_rings"`
	MinCandidates   int           `koanf:"min_candidates"`
	MaxOffers       int           `koanf:"max_offers"`
	OfferTimeout    time.Duration `koanf:"offer_timeout"`
	FreshnessWindow time.Duration `koanf:"freshness_window"`
	MaxClockSkew    time.Duration `koanf:"max_clock_skew"`
	Fallback        string        `koanf:"fallback"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	SweepBatch      int           `koanf:"sweep_batch"`
	EvictInterval   time.Duration `koanf:"evict_interval"`
	H3Resolution    int           `koanf:"h3_resolution"`
}

type GatewayConfig struct {
	Addr         string        `koanf:"addr"`
	JWTSecret    string        `koanf:"jwt_secret"`
	SendBuffer   int           `koanf:"send_buffer"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PingInterval time.Duration `koanf:"ping_interval"`
}

type RateLimitConfig struct {
	Read  middleware.RateConfig `koanf:"read"`
	Write middleware.RateConfig `koanf:"write"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080", ReadHeaderTimeout: 5 * time.Second, ShutdownTimeout: 10 * time.Second},
		GRPC: GRPCConfig{Addr: ":9090"},
		Redis: RedisConfig{
			Prefix: "servicematch:",
		},
		Bus: BusConfig{
			Driver: "memory",
			NATS: NATSConfig{
				URL:        "nats://127.0.0.1:4222",
				Stream:     "SERVICEMATCH",
				AckWait:    30 * time.Second,
				MaxDeliver: 10,
				NakDelay:   time.Second,
			},
			Kafka: KafkaConfig{MaxAttempts: 5, RetryBackoff: 500 * time.Millisecond},
			Retry: RetryConfig{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second},
			Groups: GroupConfig{
				Dispatch: "dispatch-engine",
				Router:   "notification-router",
				Location: "location-bridge",
			},
		},
		Dispatch: DispatchConfig{
			MaxRings:        3,
			MinCandidates:   1,
			MaxOffers:       3,
			OfferTimeout:    8 * time.Second,
			FreshnessWindow: 2 * time.Minute,
			MaxClockSkew:    location.DefaultMaxSkew,
			Fallback:        string(engine.FallbackResearch),
			SweepInterval:   time.Second,
			SweepBatch:      100,
			EvictInterval:   30 * time.Second,
			H3Resolution:    geo.DefaultResolution,
		},
		Gateway: GatewayConfig{
			Addr:         ":8081",
			SendBuffer:   64,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Read:  middleware.RateConfig{Rate: 50, Burst: 100},
			Write: middleware.RateConfig{Rate: 5, Burst: 10},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load layers path (optional) and the environment over Default.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(key, value string) (string, interface{}) {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	if strings.HasSuffix(key, ".brokers") {
		return key, strings.Split(value, ",")
	}
	return key, value
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Bus.Driver {
	case "memory":
	case "nats":
		if c.Bus.NATS.URL == "" {
			errs = append(errs, errors.New("bus.nats.url is required"))
		}
	case "kafka":
		if len(c.Bus.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("bus.kafka.brokers is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q must be memory, nats or kafka", c.Bus.Driver))
	}
	d := c.Dispatch
	if d.MaxRings < 0 {
		errs = append(errs, errors.New("dispatch.max_rings must not be negative"))
	}
	if d.MinCandidates < 1 {
		errs = append(errs, errors.New("dispatch.min_candidates must be at least 1"))
	}
	if d.MaxOffers < 1 {
		errs = append(errs, errors.New("dispatch.max_offers must be at least 1"))
	}
	if d.OfferTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.offer_timeout must be positive"))
	}
	if d.FreshnessWindow <= 0 {
		errs = append(errs, errors.New("dispatch.freshness_window must be positive"))
	}
	if d.MaxClockSkew <= 0 || d.MaxClockSkew >= d.FreshnessWindow {
		errs = append(errs, errors.New("dispatch.max_clock_skew must be positive and below freshness_window"))
	}
	if d.SweepInterval <= 0 || d.EvictInterval <= 0 {
		errs = append(errs, errors.New("dispatch sweep and evict intervals must be positive"))
	}
	switch engine.Fallback(d.Fallback) {
	case engine.FallbackResearch, engine.FallbackAutoAccept:
	default:
		errs = append(errs, fmt.Errorf("dispatch.fallback %q must be research or auto_accept", d.Fallback))
	}
	if d.H3Resolution < 0 || d.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("dispatch.h3_resolution %d out of range", d.H3Resolution))
	}
	if c.Bus.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("bus.retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// RequireSecret fails when a process that verifies tokens has no secret.
func (c Config) RequireSecret() error {
	if c.Gateway.JWTSecret == "" {
		return errors.New("gateway.jwt_secret is required")
	}
	return nil
}

// Engine maps dispatch settings onto the engine.
func (c Config) Engine() engine.Config {
	return engine.Config{
		MaxRings:      c.Dispatch.MaxRings,
		MinCandidates: c.Dispatch.MinCandidates,
		MaxOffers:     c.Dispatch.MaxOffers,
		OfferTimeout:  c.Dispatch.OfferTimeout,
		Freshness:     c.Dispatch.FreshnessWindow,
		Fallback:      engine.Fallback(c.Dispatch.Fallback),
		SweepInterval: c.Dispatch.SweepInterval,
		SweepBatch:    c.Dispatch.SweepBatch,
	}
}

// Realtime maps gateway settings onto the WebSocket gateway.
func (c Config) Realtime() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		SendBuffer:   c.Gateway.SendBuffer,
		WriteTimeout: c.Gateway.WriteTimeout,
		PingInterval: c.Gateway.PingInterval,
	}
}

// Retry maps publish retry settings.
func (c Config) Retry() eventbus.RetryConfig {
	return eventbus.RetryConfig{
		MaxAttempts: c.Bus.Retry.MaxAttempts,
		Backoff:     c.Bus.Retry.Backoff,
		MaxBackoff:  c.Bus.Retry.MaxBackoff,
	}
}
