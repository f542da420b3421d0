package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Server.Port != 5900 {
		t.Errorf("expected default port 5900, got %d", cfg.Server.Port)
	}
	if cfg.Server.Listen != "0.0.0.0" {
		t.Errorf("expected default listen 0.0.0.0, got %s", cfg.Server.Listen)
	}
	if cfg.Capture.FPS != 30 {
		t.Errorf("expected default fps 30, got %d", cfg.Capture.FPS)
	}
	if cfg.Server.Name != "kmsvnc" {
		t.Errorf("expected default name kmsvnc, got %s", cfg.Server.Name)
	}
	if cfg.Server.Password != "" {
		t.Error("expected auth disabled by default")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero fps", func(c *Config) { c.Capture.FPS = 0 }, true},
		{"absurd fps", func(c *Config) { c.Capture.FPS = 1000 }, true},
		{"zero max clients", func(c *Config) { c.Server.MaxClients = 0 }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"password and file together", func(c *Config) {
			c.Server.Password = "a"
			c.Server.PasswordFile = "/tmp/pw"
		}, true},
		{"json format", func(c *Config) { c.Log.Format = "json" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
capture:
  device: /dev/dri/card1
  fps: 60
server:
  port: 5901
  password: sekrit
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capture.Device != "/dev/dri/card1" {
		t.Errorf("device not loaded: %q", cfg.Capture.Device)
	}
	if cfg.Capture.FPS != 60 {
		t.Errorf("fps not loaded: %d", cfg.Capture.FPS)
	}
	if cfg.Server.Port != 5901 {
		t.Errorf("port not loaded: %d", cfg.Server.Port)
	}
	// Untouched fields keep defaults.
	if cfg.Server.Listen != "0.0.0.0" {
		t.Errorf("listen default lost: %q", cfg.Server.Listen)
	}
	if cfg.Server.MaxClients != 32 {
		t.Errorf("max_clients default lost: %d", cfg.Server.MaxClients)
	}
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Server.Port != 5900 {
		t.Errorf("expected defaults, got port %d", cfg.Server.Port)
	}
}

func TestResolvePassword(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "pw")
	if err := os.WriteFile(pwFile, []byte("filepass\nsecond line\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("inline wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Password = "inline"
		got, err := cfg.ResolvePassword()
		if err != nil || got != "inline" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("file first line", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.PasswordFile = pwFile
		got, err := cfg.ResolvePassword()
		if err != nil || got != "filepass" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("neither", func(t *testing.T) {
		cfg := DefaultConfig()
		got, err := cfg.ResolvePassword()
		if err != nil || got != "" {
			t.Errorf("got %q, %v", got, err)
		}
	})
}
