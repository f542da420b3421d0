package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete server configuration. Values come from an
// optional YAML file merged with command-line flags; flags win.
type Config struct {
	Capture CaptureConfig `yaml:"capture"`
	Server  ServerConfig  `yaml:"server"`
	Input   InputConfig   `yaml:"input"`
	Log     LogConfig     `yaml:"log"`
}

// CaptureConfig selects and paces the image source.
type CaptureConfig struct {
	// Device is an explicit capture device path (/dev/dri/card* or /dev/fb*).
	// Empty means auto-detect.
	Device string `yaml:"device"`
	// FPS caps the capture/update rate per session.
	FPS int `yaml:"fps"`
	// WaitDevice blocks start-up until the capture device node appears
	// instead of failing immediately. Useful when the server starts before
	// the display driver has loaded. Only applies when Device is set;
	// auto-detection does not wait.
	WaitDevice bool `yaml:"wait_device"`
}

// ServerConfig contains the network surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	Port   int    `yaml:"port"`
	// Name is advertised in ServerInit.
	Name string `yaml:"name"`
	// Password enables VNC Authentication (security type 2) when non-empty.
	Password string `yaml:"password"`
	// PasswordFile reads the password from a file (first line).
	PasswordFile string `yaml:"password_file"`
	// MaxClients bounds concurrent sessions.
	MaxClients int `yaml:"max_clients"`
	// MetricsListen enables the Prometheus endpoint when set, e.g. ":9109".
	MetricsListen string `yaml:"metrics_listen"`
	// WSListen enables the RFB-over-WebSocket bridge when set, e.g. ":5800".
	WSListen string `yaml:"ws_listen"`
}

// InputConfig controls the uinput devices.
type InputConfig struct {
	// RequireInput turns a uinput set-up failure into a start-up error
	// instead of falling back to view-only operation.
	RequireInput bool `yaml:"require_input"`
}

// LogConfig controls the logging facade.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			FPS: 30,
		},
		Server: ServerConfig{
			Listen:     "0.0.0.0",
			Port:       5900,
			Name:       "kmsvnc",
			MaxClients: 32,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePassword returns the effective password, preferring the inline
// value over the password file. The file's first line is used, with trailing
// spaces and carriage returns trimmed.
func (c *Config) ResolvePassword() (string, error) {
	if c.Server.Password != "" {
		return c.Server.Password, nil
	}
	if c.Server.PasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Server.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimRight(line, "\r "), nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Capture.FPS < 1 || c.Capture.FPS > 240 {
		return fmt.Errorf("invalid fps %d (want 1-240)", c.Capture.FPS)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("invalid max_clients %d", c.Server.MaxClients)
	}
	if c.Server.Password != "" && c.Server.PasswordFile != "" {
		return fmt.Errorf("password and password_file are mutually exclusive")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}
