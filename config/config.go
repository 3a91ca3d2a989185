package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	DataDir        string `toml:"DataDir"`
	StorageEngine  string `toml:"StorageEngine"`
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	Environment    string `toml:"Environment"`
	// Operator is the account that deploys the factory on first start.
	Operator string `toml:"Operator"`

	Log       LogConfig       `toml:"Log"`
	Host      HostConfig      `toml:"Host"`
	Factory   FactoryConfig   `toml:"Factory"`
	RPC       RPCConfig       `toml:"RPC"`
	Indexer   IndexerConfig   `toml:"Indexer"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
}

type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

type HostConfig struct {
	MessageGas      uint64   `toml:"MessageGas"`
	SendGas         uint64   `toml:"SendGas"`
	DefaultGasLimit uint64   `toml:"DefaultGasLimit"`
	CallTimeout     Duration `toml:"CallTimeout"`
}

type FactoryConfig struct {
	CreationGas uint64 `toml:"CreationGas"`
}

type RPCConfig struct {
	// JWTSecret enables HS256 bearer authentication for mutating methods.
	JWTSecret      string   `toml:"JWTSecret"`
	AllowMint      bool     `toml:"AllowMint"`
	RateLimit      float64  `toml:"RateLimit"`
	RateBurst      int      `toml:"RateBurst"`
	RequestTimeout Duration `toml:"RequestTimeout"`
	EventHistory   int      `toml:"EventHistory"`
}

type IndexerConfig struct {
	Enabled bool   `toml:"Enabled"`
	Path    string `toml:"Path"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		DataDir:        "./escrow-data",
		StorageEngine:  "leveldb",
		RPCAddress:     ":8080",
		MetricsAddress: ":9100",
		Environment:    "local",
		Operator:       "",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Host: HostConfig{
			MessageGas:      100_000_000,
			SendGas:         50_000_000,
			DefaultGasLimit: 10_000_000_000,
			CallTimeout:     Duration{30 * time.Second},
		},
		Factory: FactoryConfig{
			CreationGas: 2_500_000_000,
		},
		RPC: RPCConfig{
			RateLimit:      20,
			RateBurst:      40,
			RequestTimeout: Duration{30 * time.Second},
			EventHistory:   1024,
		},
		Indexer: IndexerConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
}

// IndexerPath resolves the event archive location inside DataDir unless an
// explicit path was configured.
func (c *Config) IndexerPath() string {
	if strings.TrimSpace(c.Indexer.Path) != "" {
		return c.Indexer.Path
	}
	return filepath.Join(c.DataDir, "events.db")
}

// StatePath is the location of the state database inside DataDir.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
