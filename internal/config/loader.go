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
// built-in defaults, applies PERPVAULT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PERPVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Perp ──
	setStr(&cfg.Perp.ClaimToken, "PERPVAULT_PERP_CLAIM_TOKEN")
	setStr(&cfg.Perp.ReserveAddress, "PERPVAULT_PERP_RESERVE_ADDRESS")
	setDuration(&cfg.Perp.MinMaturity, "PERPVAULT_PERP_MIN_MATURITY")
	setDuration(&cfg.Perp.MaxMaturity, "PERPVAULT_PERP_MAX_MATURITY")
	setInt64(&cfg.Perp.DustFloor, "PERPVAULT_PERP_DUST_FLOOR")
	setDuration(&cfg.Perp.PriceMaxAge, "PERPVAULT_PERP_PRICE_MAX_AGE")

	// ── Vault ──
	setStr(&cfg.Vault.ShareToken, "PERPVAULT_VAULT_SHARE_TOKEN")
	setStr(&cfg.Vault.Underlying, "PERPVAULT_VAULT_UNDERLYING")
	setStr(&cfg.Vault.VaultAddress, "PERPVAULT_VAULT_ADDRESS")
	setInt64(&cfg.Vault.SeedShareScale, "PERPVAULT_VAULT_SEED_SHARE_SCALE")
	setInt64(&cfg.Vault.MinDeployment, "PERPVAULT_VAULT_MIN_DEPLOYMENT")
	setInt(&cfg.Vault.MaxDeployedAssets, "PERPVAULT_VAULT_MAX_DEPLOYED_ASSETS")
	setInt64(&cfg.Vault.MinReservedBalance, "PERPVAULT_VAULT_MIN_RESERVED_BALANCE")
	setInt64(&cfg.Vault.MinReservedPerc, "PERPVAULT_VAULT_MIN_RESERVED_PERC")
	setInt64(&cfg.Vault.MinUnderlyingBalance, "PERPVAULT_VAULT_MIN_UNDERLYING_BALANCE")
	setInt64(&cfg.Vault.MaxUnderlyingBalance, "PERPVAULT_VAULT_MAX_UNDERLYING_BALANCE")

	// ── Issuer ──
	setStr(&cfg.Issuer.Collateral, "PERPVAULT_ISSUER_COLLATERAL")
	setDuration(&cfg.Issuer.BondDuration, "PERPVAULT_ISSUER_BOND_DURATION")
	setDuration(&cfg.Issuer.IssueInterval, "PERPVAULT_ISSUER_ISSUE_INTERVAL")

	// ── Fees ──
	setInt(&cfg.Fees.Decimals, "PERPVAULT_FEES_DECIMALS")
	setInt64(&cfg.Fees.MintPerc, "PERPVAULT_FEES_MINT_PERC")
	setInt64(&cfg.Fees.BurnPerc, "PERPVAULT_FEES_BURN_PERC")
	setInt64(&cfg.Fees.RolloverPerc, "PERPVAULT_FEES_ROLLOVER_PERC")
	setInt64(&cfg.Fees.RolloverReward, "PERPVAULT_FEES_ROLLOVER_REWARD")
	setInt64(&cfg.Fees.VaultMintPerc, "PERPVAULT_FEES_VAULT_MINT_PERC")
	setInt64(&cfg.Fees.VaultBurnPerc, "PERPVAULT_FEES_VAULT_BURN_PERC")

	// ── Automaton ──
	setBool(&cfg.Automaton.Enabled, "PERPVAULT_AUTOMATON_ENABLED")
	setDuration(&cfg.Automaton.Interval, "PERPVAULT_AUTOMATON_INTERVAL")
	setDuration(&cfg.Automaton.LockTTL, "PERPVAULT_AUTOMATON_LOCK_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPVAULT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPVAULT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPVAULT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPVAULT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPVAULT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.SnapshotPrefix, "PERPVAULT_S3_SNAPSHOT_PREFIX")
	setDuration(&cfg.S3.SnapshotInterval, "PERPVAULT_S3_SNAPSHOT_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPVAULT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPVAULT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPVAULT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PERPVAULT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "PERPVAULT_SERVER_RATE_LIMIT_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPVAULT_MODE")
	setStr(&cfg.LogLevel, "PERPVAULT_LOG_LEVEL")
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
