package sshrunner

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, []byte("fake key material"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig("incus-host-1", "ops")
	cfg.PrivateKeyPath = keyPath
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("incus-host-1", "ops")
	if cfg.Port != 22 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("auth = %q", cfg.AuthMethod)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("strict host key checking off by default")
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("connection timeout = %v", cfg.ConnectionTimeout)
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"empty user", func(c *Config) { c.User = "" }},
		{"missing key file", func(c *Config) { c.PrivateKeyPath = "/nonexistent/id_rsa" }},
		{"password auth without password", func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = ""
		}},
		{"unknown auth method", func(c *Config) { c.AuthMethod = "kerberos" }},
		{"jump host without user", func(c *Config) { c.JumpHost = "bastion" }},
		{"bad jump port", func(c *Config) {
			c.JumpHost = "bastion"
			c.JumpUser = "ops"
			c.JumpPort = -1
		}},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestAddresses(t *testing.T) {
	cfg := DefaultConfig("incus-host-1", "ops")
	if got := cfg.Address(); got != "incus-host-1:22" {
		t.Errorf("Address() = %q", got)
	}
	if got := cfg.JumpAddress(); got != "" {
		t.Errorf("JumpAddress() without jump host = %q", got)
	}
	cfg.JumpHost = "bastion"
	cfg.JumpPort = 2222
	if got := cfg.JumpAddress(); got != "bastion:2222" {
		t.Errorf("JumpAddress() = %q", got)
	}
}
