// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"group-escrow/internal/domain"
	"group-escrow/internal/token"
)

// Medium kinds.
const (
	MediumMemory = "memory"
	MediumRPC    = "rpc"
)

// Config is the server configuration. Every field can be set through its
// ESCROW_* environment variable; cmd/server flags override the result.
type Config struct {
	HTTPAddr        string        `env:"ESCROW_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"ESCROW_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	UseMemory     bool   `env:"ESCROW_USE_MEMORY"`
	PostgresDSN   string `env:"ESCROW_POSTGRES_DSN"`
	ClickHouseDSN string `env:"ESCROW_CLICKHOUSE_DSN"`

	PostgresStatementTimeout time.Duration `env:"ESCROW_POSTGRES_STATEMENT_TIMEOUT" envDefault:"5s"`
	PostgresLockTimeout      time.Duration `env:"ESCROW_POSTGRES_LOCK_TIMEOUT" envDefault:"2s"`
	PostgresMaxConns         int32         `env:"ESCROW_POSTGRES_MAX_CONNS" envDefault:"10"`

	Medium        string         `env:"ESCROW_MEDIUM" envDefault:"memory"`
	Account       domain.Address `env:"ESCROW_ACCOUNT"`
	MemoryFeeBps  uint32         `env:"ESCROW_MEMORY_FEE_BPS"`
	MemoryFeeSink domain.Address `env:"ESCROW_MEMORY_FEE_SINK"`

	TokenRPCEndpoint string        `env:"ESCROW_TOKEN_RPC_ENDPOINT"`
	TokenRPCTimeout  time.Duration `env:"ESCROW_TOKEN_RPC_TIMEOUT" envDefault:"10s"`
	TokenRPCRetries  int           `env:"ESCROW_TOKEN_RPC_RETRIES" envDefault:"3"`

	SequencerBuffer int           `env:"ESCROW_SEQUENCER_BUFFER" envDefault:"64"`
	WSPingInterval  time.Duration `env:"ESCROW_WS_PING_INTERVAL" envDefault:"30s"`
}

// Load reads an optional .env file at envFile, then parses the environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if !c.UseMemory && (c.PostgresDSN == "" || c.ClickHouseDSN == "") {
		errs = append(errs, errors.New("postgres and clickhouse DSNs are required (use memory storage otherwise)"))
	}
	if c.PostgresStatementTimeout < 0 || c.PostgresLockTimeout < 0 || c.PostgresMaxConns < 0 {
		errs = append(errs, errors.New("postgres timeouts and max conns must not be negative"))
	}
	if c.Account.IsZero() {
		errs = append(errs, errors.New("escrow account is required"))
	}

	switch c.Medium {
	case MediumMemory:
		if c.MemoryFeeBps > token.MaxFeeBps {
			errs = append(errs, fmt.Errorf("memory fee %d bps exceeds %d", c.MemoryFeeBps, token.MaxFeeBps))
		}
		if c.MemoryFeeBps > 0 && c.MemoryFeeSink.IsZero() {
			errs = append(errs, errors.New("memory fee sink is required when a fee is set"))
		}
	case MediumRPC:
		if c.TokenRPCEndpoint == "" {
			errs = append(errs, errors.New("token rpc endpoint is required for the rpc medium"))
		}
		if c.TokenRPCRetries < 0 {
			errs = append(errs, errors.New("token rpc retries must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown medium %q (want %s or %s)", c.Medium, MediumMemory, MediumRPC))
	}

	if c.SequencerBuffer < 0 {
		errs = append(errs, errors.New("sequencer buffer must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.WSPingInterval <= 0 {
		errs = append(errs, errors.New("ws ping interval must be positive"))
	}

	return errors.Join(errs...)
}

// loadEnvFile loads environment variables from path if it exists.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // File doesn't exist, use system env vars
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Don't override existing env vars
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
		}
	}
	return nil
}
