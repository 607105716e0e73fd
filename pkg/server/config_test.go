package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9900", cfg.TCPAddr)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, "dl", cfg.DownloadDir)
	assert.Equal(t, "?", cfg.CommandPrefix)
	assert.True(t, cfg.BroadcastFiles)
	assert.False(t, cfg.PromoteLocal)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		field  string
	}{
		{"no tcp address", func(c *ServerConfig) { c.TCPAddr = "" }, "TCPAddr"},
		{"no download dir", func(c *ServerConfig) { c.DownloadDir = "" }, "DownloadDir"},
		{"zero connections", func(c *ServerConfig) { c.MaxConnections = 0 }, "MaxConnections"},
		{"port out of range", func(c *ServerConfig) { c.WebSocketPort = 70000 }, "WebSocketPort"},
		{"zero chunk", func(c *ServerConfig) { c.ChunkSize = 0 }, "ChunkSize"},
		{"chunk larger than a frame", func(c *ServerConfig) { c.ChunkSize = 999999 }, "ChunkSize"},
		{"negative delay", func(c *ServerConfig) { c.ChunkDelay = -time.Second }, "ChunkDelay"},
		{"empty prefix", func(c *ServerConfig) { c.CommandPrefix = "" }, "CommandPrefix"},
		{"ssh without host key", func(c *ServerConfig) { c.SSHPort = 2222; c.SSHHostKeyPath = " " }, "SSHHostKeyPath"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "relaychat.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)

	// The written file loads back to the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), again.ToServerConfig())
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.toml")
	content := `
[server]
tcp_addr = "0.0.0.0:7000"
websocket_port = 7001
metrics_port = 9090
download_dir = "/srv/uploads"
max_connections = 50

[admin]
promote_local = true

[transfer]
broadcast_files = false
chunk_size = 1024
chunk_delay_ms = 0

[commands]
prefix = "/"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tomlCfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg := tomlCfg.ToServerConfig()

	assert.Equal(t, "0.0.0.0:7000", cfg.TCPAddr)
	assert.Equal(t, 7001, cfg.WebSocketPort)
	assert.Equal(t, 0, cfg.SSHPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "/srv/uploads", cfg.DownloadDir)
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.True(t, cfg.PromoteLocal)
	assert.False(t, cfg.BroadcastFiles)
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, time.Duration(0), cfg.ChunkDelay)
	assert.Equal(t, "/", cfg.CommandPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_addr = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig
	assert.Equal(t, DefaultConfig(), cfg.ToServerConfig())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.relaychat/key")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".relaychat/key"), got)

	got, err = expandHome("/abs/key")
	require.NoError(t, err)
	assert.Equal(t, "/abs/key", got)
}
