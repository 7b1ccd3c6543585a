package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.EmbeddingProvider)
	assert.Equal(t, 1024, cfg.EmbeddingDimensions)
	assert.Equal(t, "noema_decisions", cfg.QdrantCollection)
	assert.Equal(t, "data", cfg.BreakerJournalDir)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 24*time.Hour, cfg.BreakerWindow)
	assert.Equal(t, time.Hour, cfg.BreakerCooldown)
	assert.Equal(t, 5*time.Minute, cfg.TrackerTTL)
	assert.Equal(t, 64, cfg.TrackerInputCap)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/noema")
	t.Setenv("NOEMA_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("NOEMA_EMBEDDING_DIMENSIONS", "768")
	t.Setenv("NOEMA_BREAKER_COOLDOWN", "15m")
	t.Setenv("NOEMA_RATE_LIMIT_ENABLED", "true")
	t.Setenv("NOEMA_RATE_LIMIT_RPS", "5.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/noema", cfg.DatabaseURL)
	assert.Equal(t, "ollama", cfg.EmbeddingProvider)
	assert.Equal(t, 768, cfg.EmbeddingDimensions)
	assert.Equal(t, 15*time.Minute, cfg.BreakerCooldown)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 5.5, cfg.RateLimitRPS)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("NOEMA_EMBEDDING_DIMENSIONS", "not-a-number")
	t.Setenv("NOEMA_BREAKER_WINDOW", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.EmbeddingDimensions)
	assert.Equal(t, 24*time.Hour, cfg.BreakerWindow)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DatabaseURL:         "postgres://localhost/noema",
		EmbeddingDimensions: 1024,
		BreakerThreshold:    3,
		TrackerInputCap:     64,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero dimensions", func(c *Config) { c.EmbeddingDimensions = 0 }},
		{"negative threshold", func(c *Config) { c.BreakerThreshold = -1 }},
		{"zero input cap", func(c *Config) { c.TrackerInputCap = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
