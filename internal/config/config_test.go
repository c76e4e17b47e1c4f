package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Perp.ClaimToken = "0x00000000000000000000000000000000000000cc"
	cfg.Perp.ReserveAddress = "0x00000000000000000000000000000000000000fe"
	cfg.Vault.ShareToken = "0x00000000000000000000000000000000000000dd"
	cfg.Vault.Underlying = "0x00000000000000000000000000000000000000c0"
	cfg.Vault.VaultAddress = "0x00000000000000000000000000000000000000ff"
	cfg.Issuer.Collateral = "0x00000000000000000000000000000000000000c0"
	return cfg
}

func TestDefaultsValidateWithAddresses(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "race"
	cfg.Perp.ClaimToken = "not-an-address"
	cfg.Issuer.Ratios = []int{200, 700}
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "claim_token")
	assert.Contains(t, err.Error(), "ratios must sum")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERPVAULT_MODE", "keeper")
	t.Setenv("PERPVAULT_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("PERPVAULT_VAULT_MIN_DEPLOYMENT", "250")
	t.Setenv("PERPVAULT_AUTOMATON_INTERVAL", "90s")

	cfg := Defaults()
	applyEnvOverrides(&cfg)
	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, int64(250), cfg.Vault.MinDeployment)
	assert.Equal(t, "1m30s", cfg.Automaton.Interval.String())
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "deadbeef"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
