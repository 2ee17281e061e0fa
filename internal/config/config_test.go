package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "sqlite3://offchan.db", cfg.DatabaseURL)
	require.Equal(t, "sim://", cfg.LedgerURL)
	require.Equal(t, int64(172800), cfg.SettlementPeriod)
	require.Equal(t, 30*time.Minute, cfg.CachePeriod)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offchan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
account: "0x00000000000000000000000000000000000000aa"
database_url: "memory://"
settlement_period: 86400
close_on_invalid_payment: true
listen_addr: ":9090"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Account)
	require.Equal(t, "memory://", cfg.DatabaseURL)
	require.Equal(t, int64(86400), cfg.SettlementPeriod)
	require.True(t, cfg.CloseOnInvalidPayment)
	require.Equal(t, ":9090", cfg.ListenAddr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OFFCHAN_DATABASE_URL", "memory://")
	t.Setenv("OFFCHAN_SETTLEMENT_PERIOD", "3600")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory://", cfg.DatabaseURL)
	require.Equal(t, int64(3600), cfg.SettlementPeriod)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.SettlementPeriod = 0
	err = cfg.Validate()
	require.Error(t, err)
	var confErr *ConfigError
	require.ErrorAs(t, err, &confErr)

	cfg, _ = Load("")
	cfg.MinSettlementPeriod = cfg.SettlementPeriod + 1
	require.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.DatabaseURL = ""
	require.Error(t, cfg.Validate())
}
