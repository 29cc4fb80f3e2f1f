package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/servicematch/internal/config"
	"github.com/example/servicematch/internal/dispatch/engine"
	"github.com/example/servicematch/internal/location"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, 8*time.Second, cfg.Engine().OfferTimeout)
	require.Equal(t, engine.FallbackResearch, cfg.Engine().Fallback)
	require.Equal(t, location.DefaultMaxSkew, cfg.Dispatch.MaxClockSkew)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servicematch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  driver: kafka
  kafka:
    brokers: ["kafka-1:9092"]
dispatch:
  max_offers: 5
  offer_timeout: 12s
  fallback: auto_accept
gateway:
  jwt_secret: from-file
`), 0o600))

	t.Setenv("SERVICEMATCH_DISPATCH__OFFER_TIMEOUT", "20s")
	t.Setenv("SERVICEMATCH_BUS__KAFKA__BROKERS", "a:9092,b:9092")
	t.Setenv("SERVICEMATCH_LOGGING__LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "kafka", cfg.Bus.Driver)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Bus.Kafka.Brokers)
	require.Equal(t, 5, cfg.Dispatch.MaxOffers)
	require.Equal(t, 20*time.Second, cfg.Dispatch.OfferTimeout)
	require.Equal(t, engine.FallbackAutoAccept, cfg.Engine().Fallback)
	require.Equal(t, "from-file", cfg.Gateway.JWTSecret)
	require.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	require.Equal(t, 3, cfg.Dispatch.MaxRings)
	require.NoError(t, cfg.RequireSecret())
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Driver = "carrier-pigeon"
	cfg.Dispatch.Fallback = "coin_flip"
	cfg.Dispatch.MaxOffers = 0
	cfg.Dispatch.MaxClockSkew = 5 * time.Minute

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bus.driver")
	require.Contains(t, err.Error(), "dispatch.fallback")
	require.Contains(t, err.Error(), "dispatch.max_offers")
	require.Contains(t, err.Error(), "dispatch.max_clock_skew")

	require.Error(t, config.Default().RequireSecret())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
