package config

import (
	"fmt"
	"strings"

	"escrowchain/core/types"
	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
)

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" && c.StorageEngine != "memory" {
		return fmt.Errorf("DataDir required for storage engine %q", c.StorageEngine)
	}
	switch c.StorageEngine {
	case "", "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("unknown StorageEngine %q", c.StorageEngine)
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress required")
	}
	if c.Operator != "" {
		if _, err := types.ParseActorID(c.Operator); err != nil {
			return fmt.Errorf("Operator: %w", err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("Log.Level: %w", err)
	}
	if c.Host.MessageGas == 0 || c.Host.SendGas == 0 {
		return fmt.Errorf("host: MessageGas and SendGas must be positive")
	}
	if c.Host.DefaultGasLimit < c.Host.MessageGas {
		return fmt.Errorf("host: DefaultGasLimit %d below MessageGas %d", c.Host.DefaultGasLimit, c.Host.MessageGas)
	}
	if c.Host.CallTimeout.Duration < 0 {
		return fmt.Errorf("host: CallTimeout must not be negative")
	}
	if c.Factory.CreationGas < c.Host.MessageGas {
		return fmt.Errorf("factory: CreationGas %d cannot cover an init message (%d)", c.Factory.CreationGas, c.Host.MessageGas)
	}
	if c.RPC.RateLimit < 0 || c.RPC.RateBurst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	if c.RPC.RateLimit > 0 && c.RPC.RateBurst == 0 {
		return fmt.Errorf("rpc: RateBurst required when RateLimit is set")
	}
	if secret := c.RPC.JWTSecret; secret != "" && len(secret) < 32 {
		return fmt.Errorf("rpc: JWTSecret must be at least 32 bytes")
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: Endpoint required when exporters are enabled")
	}
	if _, err := telemetry.ParseHeaders(c.Telemetry.Headers); err != nil {
		return err
	}
	return nil
}
