package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := LoadConfig("")
	require.NoError(t, err)
	c, err := ParseConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/ws", c.Server.WSURL)
	assert.Equal(t, 500*time.Millisecond, c.Reconnect.InitialInterval)
	assert.Equal(t, "none", c.Store.Driver)
	assert.True(t, c.Engine.ResyncOnReconnect)
}

func TestFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  ws_url: ws://chat.example/ws
reconnect:
  max_interval: 5s
  max_attempts: 3
store:
  driver: redis
  redis_addr: cache:6379
`), 0o600))
	t.Setenv("CONVSYNC_AUTH_TOKEN", "abc")
	t.Setenv("CONVSYNC_LOGGER_LEVEL", "debug")

	v, err := LoadConfig(path)
	require.NoError(t, err)
	c, err := ParseConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example/ws", c.Server.WSURL)
	assert.Equal(t, 5*time.Second, c.Reconnect.MaxInterval)
	assert.Equal(t, 3, c.Reconnect.MaxAttempts)
	assert.Equal(t, "cache:6379", c.Store.RedisAddr)
	assert.Equal(t, "abc", c.Auth.Token)
	assert.Equal(t, "debug", c.Logger.Level)

	p := c.Reconnect.Policy()
	for i := 0; i < 3; i++ {
		_, ok := p.Next()
		require.True(t, ok)
	}
	_, ok := p.Next()
	assert.False(t, ok)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"none", Config{Store: Store{Driver: "none"}, Engine: Engine{HistoryPageSize: 10}}, true},
		{"redis without addr", Config{Store: Store{Driver: "redis"}, Engine: Engine{HistoryPageSize: 10}}, false},
		{"postgres without dsn", Config{Store: Store{Driver: "postgres"}, Engine: Engine{HistoryPageSize: 10}}, false},
		{"unknown driver", Config{Store: Store{Driver: "mongo"}, Engine: Engine{HistoryPageSize: 10}}, false},
		{"zero page size", Config{Store: Store{Driver: "none"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
