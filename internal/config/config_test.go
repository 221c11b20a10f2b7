package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCustodian = "0x00000000000000000000000000000000000000c0"

func validConfig() Config {
	cfg := Defaults()
	cfg.Bond.Custodian = testCustodian
	return cfg
}

func TestDefaultsValidateWithCustodian(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	price, err := cfg.Bond.Price()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", price.Dec())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Bond.PricePerTarget = "-1"
	cfg.Ledger.Backend = "sqlite"
	cfg.Governor.Backend = "remote"
	cfg.Governor.URL = ""
	cfg.Bond.ChainID = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "price_per_target")
	assert.Contains(t, msg, "custodian")
	assert.Contains(t, msg, `unknown backend "sqlite"`)
	assert.Contains(t, msg, "governor: url is required")
	assert.Contains(t, msg, "chain_id")
}

func TestValidateRejectsZeroCustodian(t *testing.T) {
	cfg := validConfig()
	cfg.Bond.Custodian = "0x0000000000000000000000000000000000000000"
	assert.ErrorContains(t, cfg.Validate(), "zero address")
}

func TestValidateRateLimitNeedsWindow(t *testing.T) {
	cfg := validConfig()
	cfg.Server.RateWindow = duration{}
	assert.ErrorContains(t, cfg.Validate(), "rate_window")

	cfg.Server.RateLimit = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "keeper"

[bond]
price_per_target = "250"
custodian = "`+testCustodian+`"

[keeper]
interval = "15s"
batch_size = 10
`), 0o600))

	t.Setenv("BONDD_KEEPER_BATCH_SIZE", "25")
	t.Setenv("BONDD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BONDD_SERVER_API_KEY", "k")
	t.Setenv("BONDD_BOND_CHAIN_ID", "11155111")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "250", cfg.Bond.PricePerTarget)
	assert.Equal(t, 15*time.Second, cfg.Keeper.Interval.Duration)
	assert.Equal(t, 25, cfg.Keeper.BatchSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "k", cfg.Server.APIKey)
	assert.Equal(t, uint64(11155111), cfg.Bond.ChainID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Supabase.Password = "pg"
	cfg.Server.APIKey = "api"
	cfg.Governor.APISecret = "sig"
	cfg.Notify.TelegramToken = "tg"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Supabase.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Governor.APISecret)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "pg", cfg.Supabase.Password)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
