package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.StaleAfter)
	assert.Equal(t, 100.0, cfg.PricePerKm)
	assert.Equal(t, "ride-events", cfg.KafkaRideTopic)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("PRESENCE_STALE_AFTER", "45s")
	t.Setenv("WS_ALLOWED_ORIGINS", "http://localhost:3000")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Second, cfg.StaleAfter)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.WSAllowedOrigins)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigAccumulatesErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("PRICE_PER_KM", "-1")
	t.Setenv("MATCHER_TOP_N", "x")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "PRICE_PER_KM")
	assert.Contains(t, err.Error(), "MATCHER_TOP_N")
}
