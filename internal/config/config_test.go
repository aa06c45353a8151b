package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8002", cfg.Server.Addr())
	assert.Equal(t, 2, cfg.Database.MinConns)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, 10*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Redis.MessageTTL)
	assert.Equal(t, "HS256", cfg.JWT.Algorithm)
	assert.Empty(t, cfg.WebSocket.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_MESSAGE_TTL", "3600")
	t.Setenv("JWT_ALGORITHM", "HS512")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://app.example.org, https://admin.example.org")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, time.Hour, cfg.Redis.MessageTTL)
	assert.Equal(t, "HS512", cfg.JWT.Algorithm)
	assert.Equal(t, []string{"https://app.example.org", "https://admin.example.org"}, cfg.WebSocket.AllowedOrigins)
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
