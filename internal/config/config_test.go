package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidateForServerWithRequiredFields(t *testing.T) {
	cfg := Default()
	cfg.Server.TLS.Cert = "cert.pem"
	cfg.Server.TLS.Key = "key.pem"
	cfg.Server.Users = []UserConfig{{ID: "alice", Password: "pw"}}

	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("ValidateServer on defaults: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log:
  level: debug
  format: json
server:
  listen: ":9443"
  auth_timeout: 5s
  users:
    - id: alice
      password: secret
  relay:
    buffer_size: "256 KB"
    rate_limit: "1 MB"
client:
  server: relay.example.com:8443
  id: alice
  password: secret
  heartbeat_interval: 30s
  tcp_forwards:
    - listen: 127.0.0.1:8080
      target: web.internal:80
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Server.Listen != ":9443" {
		t.Errorf("server.listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.AuthTimeout != 5*time.Second {
		t.Errorf("auth_timeout = %v", cfg.Server.AuthTimeout)
	}
	if cfg.Server.Relay.BufferSize != 256_000 {
		t.Errorf("buffer_size = %d, want 256000", cfg.Server.Relay.BufferSize)
	}
	if cfg.Server.Relay.RateLimit != 1_000_000 {
		t.Errorf("rate_limit = %d, want 1000000", cfg.Server.Relay.RateLimit)
	}
	if cfg.Client.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Client.HeartbeatInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("idle_timeout default = %v", cfg.Server.IdleTimeout)
	}
	if cfg.Client.MaxDatagramSize != 1200 {
		t.Errorf("max_datagram_size default = %d", cfg.Client.MaxDatagramSize)
	}
}

func TestByteSizeAcceptsBareIntegers(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  relay:\n    buffer_size: 65536\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Relay.BufferSize != 65536 {
		t.Errorf("buffer_size = %d, want 65536", cfg.Server.Relay.BufferSize)
	}
}

func TestByteSizeRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("server:\n  relay:\n    buffer_size: lots\n")); err == nil {
		t.Fatal("Parse accepted a nonsense byte size")
	}
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("QUICRELAY_TEST_PW", "hunter2")

	cfg, err := Parse([]byte(`
client:
  server: relay.example.com:8443
  id: alice
  password: ${QUICRELAY_TEST_PW}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Client.Password != "hunter2" {
		t.Errorf("password = %q, want expansion from environment", cfg.Client.Password)
	}
}

func TestEnvVarDefaultValue(t *testing.T) {
	cfg, err := Parse([]byte("client:\n  server: '${QUICRELAY_UNSET_VAR:-fallback.example.com:1}'\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Client.Server != "fallback.example.com:1" {
		t.Errorf("server = %q, want the ${VAR:-default} fallback", cfg.Client.Server)
	}
}

func TestValidateServerErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing tls",
			mutate: func(c *Config) { c.Server.Users = []UserConfig{{ID: "a", Password: "b"}} },
			want:   "server.tls.cert",
		},
		{
			name: "no users",
			mutate: func(c *Config) {
				c.Server.TLS.Cert, c.Server.TLS.Key = "c", "k"
			},
			want: "server.users",
		},
		{
			name: "user without password",
			mutate: func(c *Config) {
				c.Server.TLS.Cert, c.Server.TLS.Key = "c", "k"
				c.Server.Users = []UserConfig{{ID: "a"}}
			},
			want: "server.users[0]",
		},
		{
			name: "bad log level",
			mutate: func(c *Config) {
				c.Server.TLS.Cert, c.Server.TLS.Key = "c", "k"
				c.Server.Users = []UserConfig{{ID: "a", Password: "b"}}
				c.Log.Level = "loud"
			},
			want: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.ValidateServer()
			if err == nil {
				t.Fatal("ValidateServer accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateClientErrors(t *testing.T) {
	cfg := Default()
	cfg.Client.Server = "relay.example.com:8443"
	cfg.Client.ID = "alice"
	cfg.Client.Password = "pw"
	cfg.Client.TCPForwards = []ForwardConfig{{Listen: "127.0.0.1:8080", Target: "no-port-here"}}

	err := cfg.ValidateClient()
	if err == nil {
		t.Fatal("ValidateClient accepted a forward with a bad target")
	}
	if !strings.Contains(err.Error(), "tcp_forwards[0]") {
		t.Errorf("error %q does not point at the bad forward", err)
	}

	cfg.Client.TCPForwards[0].Target = "web.internal:80"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("ValidateClient after fix: %v", err)
	}
}
