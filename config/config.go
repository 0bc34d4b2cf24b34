package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "500ms"/"5s"/"1m" strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Listen configures the emulation listener bindings. An empty address
// disables that binding; TLS bindings need the certificate pair.
type Listen struct {
	Stream   string `yaml:"stream"`
	TLS      string `yaml:"tls"`
	WS       string `yaml:"ws"`
	WSS      string `yaml:"wss"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Upstream configures the signing HTTP service.
type Upstream struct {
	BaseURL string   `yaml:"baseUrl"`
	Timeout Duration `yaml:"timeout"`
}

// Agent configures the connection to a real signing agent, used when
// the emulation path is bypassed.
type Agent struct {
	URL              string   `yaml:"url"`
	HandshakeTimeout Duration `yaml:"handshakeTimeout"`
}

// Reconnect configures the bridge reconnect schedule: attempt n waits
// baseInterval*n, scheduling stops after maxAttempts.
type Reconnect struct {
	BaseInterval Duration `yaml:"baseInterval"`
	MaxAttempts  int      `yaml:"maxAttempts"`
}

// Config is the full signbridge configuration.
type Config struct {
	Listen      Listen    `yaml:"listen"`
	Upstream    Upstream  `yaml:"upstream"`
	Agent       Agent     `yaml:"agent"`
	Reconnect   Reconnect `yaml:"reconnect"`
	CallTimeout Duration  `yaml:"callTimeout"`
	LogLevel    string    `yaml:"logLevel"`
}

// Default returns the configuration used when no file overrides it.
// The WebSocket binding sits on the agent's well-known local port so
// unmodified callers find the emulation without reconfiguration.
func Default() *Config {
	return &Config{
		Listen: Listen{
			WS: "127.0.0.1:13579",
		},
		Upstream: Upstream{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: Duration(30 * time.Second),
		},
		Agent: Agent{
			URL:              "wss://127.0.0.1:13579",
			HandshakeTimeout: Duration(10 * time.Second),
		},
		Reconnect: Reconnect{
			BaseInterval: Duration(time.Second),
			MaxAttempts:  5,
		},
		CallTimeout: Duration(30 * time.Second),
		LogLevel:    "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Listen.Stream == "" && c.Listen.TLS == "" && c.Listen.WS == "" && c.Listen.WSS == "" {
		return fmt.Errorf("config: at least one listener binding is required")
	}
	if (c.Listen.TLS != "" || c.Listen.WSS != "") && (c.Listen.CertFile == "" || c.Listen.KeyFile == "") {
		return fmt.Errorf("config: TLS bindings require certFile and keyFile")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: upstream baseUrl is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("config: reconnect maxAttempts cannot be negative")
	}
	if c.Reconnect.BaseInterval < 0 {
		return fmt.Errorf("config: reconnect baseInterval cannot be negative")
	}
	return nil
}

// ListenerTLS loads the certificate pair for the TLS bindings, or nil
// when no TLS binding is configured.
func (c *Config) ListenerTLS() (*tls.Config, error) {
	if c.Listen.TLS == "" && c.Listen.WSS == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.Listen.CertFile, c.Listen.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load listener certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
