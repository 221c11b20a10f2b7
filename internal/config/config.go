// Package config defines the top-level configuration for the bond service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BONDD_* environment variables.
type Config struct {
	Bond     BondConfig     `toml:"bond"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Governor GovernorConfig `toml:"governor"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BondConfig holds the sizing parameter and the escrow custodian.
type BondConfig struct {
	// PricePerTarget is a base-10 uint256 amount charged per target action.
	PricePerTarget string `toml:"price_per_target"`
	// Custodian is the account that holds escrowed bonds.
	Custodian string `toml:"custodian"`
	// ChainID names the chain in the domain proposers sign under.
	ChainID uint64 `toml:"chain_id"`
}

// Price parses PricePerTarget.
func (b BondConfig) Price() (*uint256.Int, error) {
	n, err := uint256.FromDecimal(strings.TrimSpace(b.PricePerTarget))
	if err != nil {
		return nil, fmt.Errorf("bond: price_per_target %q: %w", b.PricePerTarget, err)
	}
	return n, nil
}

// CustodianAddress parses Custodian.
func (b BondConfig) CustodianAddress() (common.Address, error) {
	if !common.IsHexAddress(b.Custodian) {
		return common.Address{}, fmt.Errorf("bond: custodian %q is not a hex address", b.Custodian)
	}
	addr := common.HexToAddress(b.Custodian)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("bond: custodian must not be the zero address")
	}
	return addr, nil
}

// LedgerConfig selects where bond records live.
type LedgerConfig struct {
	Backend string `toml:"backend"` // "memory" or "postgres"
}

// GovernorConfig selects the governance engine and status oracle.
type GovernorConfig struct {
	Backend string   `toml:"backend"` // "sim" or "remote"
	URL     string   `toml:"url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
	// APISecret signs node requests. APISecretFile holds it sealed with
	// APISecretPassword instead.
	APISecret         string `toml:"api_secret"`
	APISecretFile     string `toml:"api_secret_file"`
	APISecretPassword string `toml:"api_secret_password"`
	// Quorum is the for+abstain weight a simulated proposal needs.
	Quorum string `toml:"quorum"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	LockTTL      duration `toml:"lock_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// KeeperConfig tunes the background settlement loop and snapshots.
type KeeperConfig struct {
	Enabled          bool     `toml:"enabled"`
	Interval         duration `toml:"interval"`
	BatchSize        int      `toml:"batch_size"`
	Concurrency      int      `toml:"concurrency"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit caps POST requests per client per RateWindow. Zero disables
	// it; it only applies when Redis is enabled.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bond: BondConfig{
			PricePerTarget: "1000000000000000000",
			ChainID:        1,
		},
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		Governor: GovernorConfig{
			Backend: "sim",
			Timeout: duration{10 * time.Second},
			Quorum:  "1",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			LockTTL:      duration{30 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "proposalbond",
			ForcePathStyle: true,
			Prefix:         "proposalbond",
		},
		Keeper: KeeperConfig{
			Enabled:          true,
			Interval:         duration{time.Minute},
			BatchSize:        100,
			Concurrency:      4,
			SnapshotInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"bond_refunded", "bond_forfeited"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Bond
	if _, err := c.Bond.Price(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.Bond.CustodianAddress(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Bond.ChainID == 0 {
		errs = append(errs, "bond: chain_id must be positive")
	}

	// Ledger
	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres)", c.Ledger.Backend))
	}

	// Governor
	switch c.Governor.Backend {
	case "sim":
		if _, err := uint256.FromDecimal(c.Governor.Quorum); err != nil {
			errs = append(errs, fmt.Sprintf("governor: quorum %q is not a decimal amount", c.Governor.Quorum))
		}
	case "remote":
		if c.Governor.URL == "" {
			errs = append(errs, "governor: url is required for the remote backend")
		}
		if c.Governor.Timeout.Duration <= 0 {
			errs = append(errs, "governor: timeout must be > 0")
		}
		if c.Governor.APISecretFile != "" && c.Governor.APISecretPassword == "" {
			errs = append(errs, "governor: api_secret_password is required with api_secret_file")
		}
	default:
		errs = append(errs, fmt.Sprintf("governor: unknown backend %q (valid: sim, remote)", c.Governor.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be > 0")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Keeper
	if c.Keeper.Enabled {
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0")
		}
		if c.Keeper.BatchSize < 1 {
			errs = append(errs, "keeper: batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}
	if strings.ToLower(c.Mode) == "server" && !c.Server.Enabled {
		errs = append(errs, "server: mode server requires server.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
