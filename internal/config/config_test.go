package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicyOverrides(t *testing.T) {
	overrides, err := ParsePolicyOverrides(" acme:usd:false:500 ; *:EUR:true: ;")
	require.NoError(t, err)
	require.Len(t, overrides, 2)

	acme := overrides[PolicyKey("acme", "USD")]
	assert.False(t, acme.AllowNegative)
	require.NotNil(t, acme.DailyDebitCap)
	assert.True(t, acme.DailyDebitCap.Equal(decimal.NewFromInt(500)))

	eur := overrides[PolicyKey("*", "EUR")]
	assert.True(t, eur.AllowNegative)
	assert.Nil(t, eur.DailyDebitCap)
}

func TestParsePolicyOverrides_Invalid(t *testing.T) {
	for _, raw := range []string{"acme:USD:false", "acme:USD:maybe:1", "acme:USD:true:abc", "acme:USD:true:-1"} {
		_, err := ParsePolicyOverrides(raw)
		assert.Error(t, err, raw)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_NAME", "wallets")
	t.Setenv("DB_MAX_CONNS", "16")
	t.Setenv("SWEEPER_INTERVAL", "30s")
	t.Setenv("SNAPSHOT_PAGE_SIZE", "not-a-number")
	t.Setenv("POLICY_DEFAULT_ALLOW_NEGATIVE", "false")
	t.Setenv("POLICY_DEFAULT_DAILY_DEBIT_CAP", "1000.50")
	t.Setenv("POLICY_OVERRIDES", "vip:USD:true:")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://u:p@db:5432/wallets", cfg.DBURL)
	assert.Equal(t, 16, cfg.DBMaxConns)
	assert.Equal(t, 30*time.Second, cfg.SweeperInterval)
	assert.Equal(t, 200, cfg.SweeperBatchSize)
	assert.Equal(t, 500, cfg.SnapshotPageSize)
	assert.False(t, cfg.Policy.Default.AllowNegative)
	require.NotNil(t, cfg.Policy.Default.DailyDebitCap)
	assert.True(t, cfg.Policy.Default.DailyDebitCap.Equal(decimal.RequireFromString("1000.50")))
	assert.True(t, cfg.Policy.Overrides[PolicyKey("vip", "USD")].AllowNegative)
}

func TestLoadConfig_BadCap(t *testing.T) {
	t.Setenv("POLICY_DEFAULT_DAILY_DEBIT_CAP", "lots")
	_, err := LoadConfig()
	assert.Error(t, err)
}
