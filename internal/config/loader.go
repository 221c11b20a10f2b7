package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BONDD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BONDD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Bond ──
	setStr(&cfg.Bond.PricePerTarget, "BONDD_BOND_PRICE_PER_TARGET")
	setStr(&cfg.Bond.Custodian, "BONDD_BOND_CUSTODIAN")
	setUint64(&cfg.Bond.ChainID, "BONDD_BOND_CHAIN_ID")

	// ── Ledger / governor ──
	setStr(&cfg.Ledger.Backend, "BONDD_LEDGER_BACKEND")
	setStr(&cfg.Governor.Backend, "BONDD_GOVERNOR_BACKEND")
	setStr(&cfg.Governor.URL, "BONDD_GOVERNOR_URL")
	setStr(&cfg.Governor.APIKey, "BONDD_GOVERNOR_API_KEY")
	setDuration(&cfg.Governor.Timeout, "BONDD_GOVERNOR_TIMEOUT")
	setStr(&cfg.Governor.APISecret, "BONDD_GOVERNOR_API_SECRET")
	setStr(&cfg.Governor.APISecretFile, "BONDD_GOVERNOR_API_SECRET_FILE")
	setStr(&cfg.Governor.APISecretPassword, "BONDD_GOVERNOR_API_SECRET_PASSWORD")
	setStr(&cfg.Governor.Quorum, "BONDD_GOVERNOR_QUORUM")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "BONDD_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "BONDD_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "BONDD_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "BONDD_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "BONDD_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "BONDD_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "BONDD_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "BONDD_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "BONDD_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "BONDD_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BONDD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BONDD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BONDD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BONDD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BONDD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BONDD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BONDD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "BONDD_REDIS_LOCK_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "BONDD_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BONDD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BONDD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BONDD_S3_REGION")
	setStr(&cfg.S3.Bucket, "BONDD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BONDD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BONDD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BONDD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BONDD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "BONDD_S3_PREFIX")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "BONDD_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "BONDD_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.BatchSize, "BONDD_KEEPER_BATCH_SIZE")
	setInt(&cfg.Keeper.Concurrency, "BONDD_KEEPER_CONCURRENCY")
	setDuration(&cfg.Keeper.SnapshotInterval, "BONDD_KEEPER_SNAPSHOT_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BONDD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BONDD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "BONDD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "BONDD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "BONDD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BONDD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BONDD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BONDD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BONDD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BONDD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BONDD_MODE")
	setStr(&cfg.LogLevel, "BONDD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
