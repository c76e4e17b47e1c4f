// Package config defines the top-level configuration for the perpvault
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPVAULT_* environment variables.
type Config struct {
	Perp      PerpConfig      `toml:"perp"`
	Vault     VaultConfig     `toml:"vault"`
	Issuer    IssuerConfig    `toml:"issuer"`
	Fees      FeesConfig      `toml:"fees"`
	Automaton AutomatonConfig `toml:"automaton"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PerpConfig holds the claim engine's token identities and queue policy.
type PerpConfig struct {
	ClaimToken     string `toml:"claim_token"`
	ReserveAddress string `toml:"reserve_address"`
	// MinMaturity / MaxMaturity bound the remaining time to maturity a bond
	// must have to be admitted to (or stay in) the queue.
	MinMaturity duration `toml:"min_maturity"`
	MaxMaturity duration `toml:"max_maturity"`
	// DustFloor is the reserve balance at or below which an asset is written
	// off and untracked.
	DustFloor int64 `toml:"dust_floor"`
	// PriceMaxAge is how long a cached tranche price stays fresh.
	PriceMaxAge duration `toml:"price_max_age"`
}

// VaultConfig holds the companion vault's token identities and deployment
// policy.
type VaultConfig struct {
	ShareToken   string `toml:"share_token"`
	Underlying   string `toml:"underlying"`
	VaultAddress string `toml:"vault_address"`
	// SeedShareScale is the shares-per-underlying ratio for the first deposit.
	SeedShareScale int64 `toml:"seed_share_scale"`
	// MinDeployment is the smallest usable collateral amount worth deploying.
	MinDeployment int64 `toml:"min_deployment"`
	// MaxDeployedAssets caps the vault's tracked-asset count; 0 is unlimited.
	MaxDeployedAssets int `toml:"max_deployed_assets"`
	// MinReservedBalance and MinReservedPerc (millionths) define the
	// underlying floor kept out of deployment; the larger wins.
	MinReservedBalance int64 `toml:"min_reserved_balance"`
	MinReservedPerc    int64 `toml:"min_reserved_perc"`
	// MinUnderlyingBalance / MaxUnderlyingBalance bound the vault's underlying
	// after a swap; 0 means unbounded on that side.
	MinUnderlyingBalance int64 `toml:"min_underlying_balance"`
	MaxUnderlyingBalance int64 `toml:"max_underlying_balance"`
}

// IssuerConfig holds the bond series parameters for the built-in issuer.
type IssuerConfig struct {
	Collateral string `toml:"collateral"`
	// Ratios is the seniority split, most senior first, summing to 1000.
	Ratios        []int    `toml:"ratios"`
	BondDuration  duration `toml:"bond_duration"`
	IssueInterval duration `toml:"issue_interval"`
}

// FeesConfig holds flat fee percentages at Decimals fractional digits.
// Negative values pay the caller from the reserve.
type FeesConfig struct {
	Decimals       int   `toml:"decimals"`
	MintPerc       int64 `toml:"mint_perc"`
	BurnPerc       int64 `toml:"burn_perc"`
	RolloverPerc   int64 `toml:"rollover_perc"`
	RolloverReward int64 `toml:"rollover_reward"`
	VaultMintPerc  int64 `toml:"vault_mint_perc"`
	VaultBurnPerc  int64 `toml:"vault_burn_perc"`
}

// AutomatonConfig holds the deploy/recover keeper loop parameters.
type AutomatonConfig struct {
	Enabled bool `toml:"enabled"`
	// Interval is the pause between keeper passes.
	Interval duration `toml:"interval"`
	// LockTTL is the distributed-lock lease held across one pass.
	LockTTL duration `toml:"lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for state snapshots.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	SnapshotPrefix   string   `toml:"snapshot_prefix"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects mutating endpoints; empty disables authentication.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per client per window; 0 disables limiting.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Perp: PerpConfig{
			MinMaturity: duration{24 * time.Hour},
			MaxMaturity: duration{91 * 24 * time.Hour},
			DustFloor:   0,
			PriceMaxAge: duration{time.Minute},
		},
		Vault: VaultConfig{
			SeedShareScale:    1_000_000,
			MinDeployment:     1,
			MaxDeployedAssets: 32,
			MinReservedPerc:   50_000, // keep 5% of underlying liquid
		},
		Issuer: IssuerConfig{
			Ratios:        []int{200, 800},
			BondDuration:  duration{28 * 24 * time.Hour},
			IssueInterval: duration{7 * 24 * time.Hour},
		},
		Fees: FeesConfig{
			Decimals:       6,
			MintPerc:       25_000,
			BurnPerc:       25_000,
			RolloverPerc:   10_000,
			RolloverReward: 5_000,
		},
		Automaton: AutomatonConfig{
			Enabled:  true,
			Interval: duration{time.Minute},
			LockTTL:  duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpvault",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:          false,
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "perpvault-data",
			ForcePathStyle:   true,
			SnapshotPrefix:   "snapshots",
			SnapshotInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       240,
			RateLimitWindow: duration{time.Minute},
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Perp
	checkAddr := func(section, field, v string) {
		if v == "" {
			errs = append(errs, fmt.Sprintf("%s: %s must not be empty", section, field))
		} else if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("%s: %s is not a valid address: %q", section, field, v))
		}
	}
	checkAddr("perp", "claim_token", c.Perp.ClaimToken)
	checkAddr("perp", "reserve_address", c.Perp.ReserveAddress)
	if c.Perp.MinMaturity.Duration <= 0 {
		errs = append(errs, "perp: min_maturity must be positive")
	}
	if c.Perp.MaxMaturity.Duration <= c.Perp.MinMaturity.Duration {
		errs = append(errs, "perp: max_maturity must exceed min_maturity")
	}
	if c.Perp.DustFloor < 0 {
		errs = append(errs, "perp: dust_floor must be >= 0")
	}

	// Vault
	checkAddr("vault", "share_token", c.Vault.ShareToken)
	checkAddr("vault", "underlying", c.Vault.Underlying)
	checkAddr("vault", "vault_address", c.Vault.VaultAddress)
	if c.Vault.SeedShareScale <= 0 {
		errs = append(errs, "vault: seed_share_scale must be > 0")
	}
	if c.Vault.MaxDeployedAssets < 0 {
		errs = append(errs, "vault: max_deployed_assets must be >= 0")
	}
	if c.Vault.MinReservedPerc < 0 || c.Vault.MinReservedPerc > 1_000_000 {
		errs = append(errs, "vault: min_reserved_perc must be 0-1000000 (millionths)")
	}
	if c.Vault.MinUnderlyingBalance > 0 && c.Vault.MaxUnderlyingBalance > 0 &&
		c.Vault.MinUnderlyingBalance > c.Vault.MaxUnderlyingBalance {
		errs = append(errs, "vault: min_underlying_balance must not exceed max_underlying_balance")
	}

	// Issuer
	checkAddr("issuer", "collateral", c.Issuer.Collateral)
	var ratioSum int
	for _, r := range c.Issuer.Ratios {
		if r <= 0 {
			errs = append(errs, "issuer: every ratio must be positive")
			break
		}
		ratioSum += r
	}
	if ratioSum != domain.RatioGranularity {
		errs = append(errs, fmt.Sprintf("issuer: ratios must sum to %d, got %d", domain.RatioGranularity, ratioSum))
	}
	if c.Issuer.BondDuration.Duration <= 0 {
		errs = append(errs, "issuer: bond_duration must be positive")
	}
	if c.Issuer.BondDuration.Duration <= c.Perp.MinMaturity.Duration {
		errs = append(errs, "issuer: bond_duration must exceed perp.min_maturity or new bonds are never admissible")
	}

	// Fees
	if c.Fees.Decimals < 0 || c.Fees.Decimals > 18 {
		errs = append(errs, "fees: decimals must be 0-18")
	}

	// Automaton
	if c.Automaton.Enabled {
		if c.Automaton.Interval.Duration <= 0 {
			errs = append(errs, "automaton: interval must be positive when enabled")
		}
		if c.Automaton.LockTTL.Duration <= 0 {
			errs = append(errs, "automaton: lock_ttl must be positive when enabled")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.SnapshotInterval.Duration <= 0 {
			errs = append(errs, "s3: snapshot_interval must be positive when enabled")
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
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
