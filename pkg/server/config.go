package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPAddr        string `validate:"required"`
	WebSocketPort  int    `validate:"gte=0,lte=65535"` // 0 = disabled
	SSHPort        int    `validate:"gte=0,lte=65535"` // 0 = disabled
	SSHHostKeyPath string
	MetricsPort    int    `validate:"gte=0,lte=65535"` // 0 = disabled
	DownloadDir    string `validate:"required"`
	LogDir         string // empty keeps logging on stdout/stderr only
	MaxConnections int    `validate:"gte=1"`

	// PromoteLocal also grants admin to users connecting from the bind IP
	PromoteLocal bool

	BroadcastFiles bool
	ChunkSize      int           `validate:"gte=1"`
	ChunkDelay     time.Duration `validate:"gte=0"`

	CommandPrefix string `validate:"required"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPAddr:        ":9900",
		SSHHostKeyPath: "~/.relaychat/ssh_host_key",
		DownloadDir:    "dl",
		MaxConnections: 5,
		BroadcastFiles: true,
		ChunkSize:      4096,
		ChunkDelay:     10 * time.Millisecond,
		CommandPrefix:  DefaultCommandPrefix,
	}
}

// chunkOverhead is the largest envelope framing added around a file chunk:
// the header length field plus "file_chunk:" and the longest stored name.
const chunkOverhead = 2 + len(protocol.HeaderFileChunk) + len(protocol.HeaderSeparator) + maxFileNameLength

var validate = validator.New()

// Validate checks the configuration using struct tags and custom rules
func (c ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.ChunkSize+chunkOverhead > protocol.MaxFrameSize {
		return fmt.Errorf("ChunkSize: %d does not fit in a %d byte frame", c.ChunkSize, protocol.MaxFrameSize)
	}

	if c.SSHPort > 0 && strings.TrimSpace(c.SSHHostKeyPath) == "" {
		return fmt.Errorf("SSHHostKeyPath: required when the SSH server is enabled")
	}

	return nil
}

// formatValidationError reports the first failed field in a readable form
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Admin    AdminSection    `toml:"admin"`
	Transfer TransferSection `toml:"transfer"`
	Commands CommandsSection `toml:"commands"`
}

type ServerSection struct {
	TCPAddr        string `toml:"tcp_addr"`
	WebSocketPort  int    `toml:"websocket_port"`
	SSHPort        int    `toml:"ssh_port"`
	SSHHostKey     string `toml:"ssh_host_key"`
	MetricsPort    int    `toml:"metrics_port"`
	DownloadDir    string `toml:"download_dir"`
	LogDir         string `toml:"log_dir"`
	MaxConnections int    `toml:"max_connections"`
}

type AdminSection struct {
	PromoteLocal bool `toml:"promote_local"`
}

type TransferSection struct {
	BroadcastFiles *bool `toml:"broadcast_files"`
	ChunkSize      int   `toml:"chunk_size"`
	ChunkDelayMS   *int  `toml:"chunk_delay_ms"`
}

type CommandsSection struct {
	Prefix string `toml:"prefix"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	broadcast := def.BroadcastFiles
	delay := int(def.ChunkDelay / time.Millisecond)

	return TOMLConfig{
		Server: ServerSection{
			TCPAddr:        def.TCPAddr,
			SSHHostKey:     def.SSHHostKeyPath,
			DownloadDir:    def.DownloadDir,
			MaxConnections: def.MaxConnections,
		},
		Transfer: TransferSection{
			BroadcastFiles: &broadcast,
			ChunkSize:      def.ChunkSize,
			ChunkDelayMS:   &delay,
		},
		Commands: CommandsSection{
			Prefix: def.CommandPrefix,
		},
	}
}

// expandHome replaces a leading "~/" with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Still runnable with defaults, e.g. on a read-only config dir
			log.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# relaychat server configuration
# This file was auto-generated with default values
# Ports set to 0 disable the WebSocket, SSH and metrics listeners

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Unset values keep
// their defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.TCPAddr) != "" {
		cfg.TCPAddr = c.Server.TCPAddr
	}
	if c.Server.WebSocketPort != 0 {
		cfg.WebSocketPort = c.Server.WebSocketPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.DownloadDir) != "" {
		cfg.DownloadDir = c.Server.DownloadDir
	}
	if strings.TrimSpace(c.Server.LogDir) != "" {
		cfg.LogDir = c.Server.LogDir
	}
	if c.Server.MaxConnections != 0 {
		cfg.MaxConnections = c.Server.MaxConnections
	}

	cfg.PromoteLocal = c.Admin.PromoteLocal

	if c.Transfer.BroadcastFiles != nil {
		cfg.BroadcastFiles = *c.Transfer.BroadcastFiles
	}
	if c.Transfer.ChunkSize != 0 {
		cfg.ChunkSize = c.Transfer.ChunkSize
	}
	if c.Transfer.ChunkDelayMS != nil {
		cfg.ChunkDelay = time.Duration(*c.Transfer.ChunkDelayMS) * time.Millisecond
	}

	if c.Commands.Prefix != "" {
		cfg.CommandPrefix = c.Commands.Prefix
	}

	return cfg
}
