package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Factory.CreationGas != 2_500_000_000 {
		t.Fatalf("unexpected creation gas %d", cfg.Factory.CreationGas)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Host.CallTimeout.Duration != 30*time.Second {
		t.Fatalf("unexpected call timeout %s", reloaded.Host.CallTimeout)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `DataDir = "/var/lib/escrow"
StorageEngine = "bolt"
RPCAddress = "127.0.0.1:9000"
Operator = "0x00000000000000000000000000000000000000f0"

[Log]
Level = "debug"
File = "/var/log/escrowd.log"

[Host]
CallTimeout = "5s"
DefaultGasLimit = 20000000000

[Factory]
CreationGas = 3000000000

[RPC]
AllowMint = true
RateLimit = 5.5
RateBurst = 10
JWTSecret = "0123456789abcdef0123456789abcdef"

[Indexer]
Enabled = false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageEngine != "bolt" || cfg.DataDir != "/var/lib/escrow" {
		t.Fatalf("unexpected storage settings %+v", cfg)
	}
	if cfg.Host.CallTimeout.Duration != 5*time.Second || cfg.Host.DefaultGasLimit != 20_000_000_000 {
		t.Fatalf("unexpected host settings %+v", cfg.Host)
	}
	if cfg.Host.MessageGas != 100_000_000 {
		t.Fatalf("expected default message gas to survive, got %d", cfg.Host.MessageGas)
	}
	if !cfg.RPC.AllowMint || cfg.RPC.RateLimit != 5.5 || cfg.RPC.RateBurst != 10 {
		t.Fatalf("unexpected rpc settings %+v", cfg.RPC)
	}
	if cfg.Indexer.Enabled {
		t.Fatalf("expected indexer disabled")
	}
	if got := cfg.IndexerPath(); got != filepath.Join("/var/lib/escrow", "events.db") {
		t.Fatalf("unexpected indexer path %s", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `RPCAddress = ":8080"
ListenAddress = ":6001"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "ListenAddress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"engine":        func(c *Config) { c.StorageEngine = "rocks" },
		"operator":      func(c *Config) { c.Operator = "not-an-actor" },
		"log level":     func(c *Config) { c.Log.Level = "chatty" },
		"gas limit":     func(c *Config) { c.Host.DefaultGasLimit = 1 },
		"creation gas":  func(c *Config) { c.Factory.CreationGas = 1 },
		"burst":         func(c *Config) { c.RPC.RateBurst = 0 },
		"short secret":  func(c *Config) { c.RPC.JWTSecret = "short" },
		"rpc address":   func(c *Config) { c.RPCAddress = "" },
		"otel endpoint": func(c *Config) { c.Telemetry.Traces = true; c.Telemetry.Endpoint = "" },
		"otel headers":  func(c *Config) { c.Telemetry.Headers = "broken" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
