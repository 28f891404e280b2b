// Package config provides configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/quicrelay/quicrelay/internal/protocol"
)

// Config is the complete process configuration. The server and client
// sections are independent; the subcommand decides which one is used.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig contains the server role settings.
type ServerConfig struct {
	Listen      string        `yaml:"listen"`
	TLS         TLSConfig     `yaml:"tls"`
	Users       []UserConfig  `yaml:"users"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	UDP         UDPConfig     `yaml:"udp"`
	Relay       RelayConfig   `yaml:"relay"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`          // client side: trust anchor
	ServerName         string `yaml:"server_name"` // client side: SNI override
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// UserConfig is one accepted credential.
type UserConfig struct {
	ID       string `yaml:"id"`
	Password string `yaml:"password"`
}

// UDPConfig tunes the UDP relay engine.
type UDPConfig struct {
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxAssociations   int           `yaml:"max_associations"`
	MaxDatagramSize   int           `yaml:"max_datagram_size"`
}

// RelayConfig tunes relay sessions.
type RelayConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BufferSize     ByteSize      `yaml:"buffer_size"`
	RateLimit      ByteSize      `yaml:"rate_limit"` // bytes/s per session, 0 = unlimited
}

// MetricsConfig defines the metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ClientConfig contains the client role settings.
type ClientConfig struct {
	Server            string          `yaml:"server"`
	TLS               TLSConfig       `yaml:"tls"`
	ID                string          `yaml:"id"`
	Password          string          `yaml:"password"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	MaxDatagramSize   int             `yaml:"max_datagram_size"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	TCPForwards       []ForwardConfig `yaml:"tcp_forwards"`
	UDPForwards       []ForwardConfig `yaml:"udp_forwards"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// ForwardConfig is one local ingress: everything accepted on Listen is
// relayed to Target.
type ForwardConfig struct {
	Listen      string        `yaml:"listen"`
	Target      string        `yaml:"target"`
	IdleTimeout time.Duration `yaml:"idle_timeout"` // UDP bindings only
}

// ByteSize is a byte count accepting human-readable YAML values such as
// "256 KB" or "1MiB", or a bare integer.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid byte size: %w", err)
	}
	parsed, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	*b = ByteSize(parsed)
	return nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen:      ":8443",
			AuthTimeout: 10 * time.Second,
			IdleTimeout: 2 * time.Minute,
			UDP: UDPConfig{
				ReassemblyTimeout: 10 * time.Second,
				IdleTimeout:       2 * time.Minute,
				MaxAssociations:   4096,
				MaxDatagramSize:   1200,
			},
			Relay: RelayConfig{
				ConnectTimeout: 30 * time.Second,
				BufferSize:     32 * 1024,
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Address: "127.0.0.1:9090",
			},
		},
		Client: ClientConfig{
			ConnectTimeout:    10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			MaxDatagramSize:   1200,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values. ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// ValidateServer checks the settings the server role needs.
func (c *Config) ValidateServer() error {
	var errs []string

	errs = append(errs, c.validateLog()...)

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen is required")
	}
	if c.Server.TLS.Cert == "" || c.Server.TLS.Key == "" {
		errs = append(errs, "server.tls.cert and server.tls.key are required")
	}
	if len(c.Server.Users) == 0 {
		errs = append(errs, "server.users must not be empty")
	}
	for i, u := range c.Server.Users {
		if u.ID == "" || u.Password == "" {
			errs = append(errs, fmt.Sprintf("server.users[%d]: id and password are required", i))
		}
	}
	if c.Server.Metrics.Enabled && c.Server.Metrics.Address == "" {
		errs = append(errs, "server.metrics.address is required when enabled")
	}
	if c.Server.UDP.MaxDatagramSize < 64 {
		errs = append(errs, "server.udp.max_datagram_size must be at least 64")
	}

	return joinErrs(errs)
}

// ValidateClient checks the settings the client role needs.
func (c *Config) ValidateClient() error {
	var errs []string

	errs = append(errs, c.validateLog()...)

	if c.Client.Server == "" {
		errs = append(errs, "client.server is required")
	}
	if c.Client.ID == "" || c.Client.Password == "" {
		errs = append(errs, "client.id and client.password are required")
	}
	if c.Client.MaxDatagramSize < 64 {
		errs = append(errs, "client.max_datagram_size must be at least 64")
	}
	if c.Client.Reconnect.Multiplier < 1 {
		errs = append(errs, "client.reconnect.multiplier must be at least 1")
	}

	for i, fw := range c.Client.TCPForwards {
		if err := validateForward(fw); err != nil {
			errs = append(errs, fmt.Sprintf("client.tcp_forwards[%d]: %v", i, err))
		}
	}
	for i, fw := range c.Client.UDPForwards {
		if err := validateForward(fw); err != nil {
			errs = append(errs, fmt.Sprintf("client.udp_forwards[%d]: %v", i, err))
		}
	}

	return joinErrs(errs)
}

func (c *Config) validateLog() []string {
	var errs []string
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	return errs
}

func validateForward(fw ForwardConfig) error {
	if fw.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, err := protocol.ParseAddress(fw.Target); err != nil {
		return fmt.Errorf("invalid target %q: %v", fw.Target, err)
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
}
