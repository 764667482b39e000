package subsidyd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for subsidyd.
type Config struct {
	ListenAddress   string            `yaml:"listen" toml:"listen"`
	Env             string            `yaml:"env" toml:"env"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Database        DatabaseConfig    `yaml:"database" toml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Coordinator     CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Auth            AuthConfig        `yaml:"auth" toml:"auth"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Recon           ReconConfig       `yaml:"recon" toml:"recon"`
	Log             LogConfig         `yaml:"log" toml:"log"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	URL             string   `yaml:"url" toml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	LogLevel        string   `yaml:"log_level" toml:"log_level"`
}

// LedgerConfig points the service at the subsidy contract.
type LedgerConfig struct {
	RPCURL          string   `yaml:"rpc_url" toml:"rpc_url"`
	PrivateKey      string   `yaml:"private_key" toml:"private_key"`
	ContractAddress string   `yaml:"contract_address" toml:"contract_address"`
	ChainID         int64    `yaml:"chain_id" toml:"chain_id"`
	Confirmations   uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval    Duration `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout  Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	GasLimit        uint64   `yaml:"gas_limit" toml:"gas_limit"`
	// PromptKey reads the signing key from the terminal when none is configured.
	PromptKey bool `yaml:"prompt_key" toml:"prompt_key"`
}

// CoordinatorConfig tunes the dual-write coordinator.
type CoordinatorConfig struct {
	MaxPendingRegistrations int64  `yaml:"max_pending_registrations" toml:"max_pending_registrations"`
	DefaultPassword         string `yaml:"default_password" toml:"default_password"`
	PasswordCost            int    `yaml:"password_cost" toml:"password_cost"`
}

// AuthConfig controls session tokens and the government route guard.
type AuthConfig struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	TokenSecret string   `yaml:"token_secret" toml:"token_secret"`
	TokenTTL    Duration `yaml:"token_ttl" toml:"token_ttl"`
	Issuer      string   `yaml:"issuer" toml:"issuer"`
}

// RateLimitConfig throttles routes that submit contract transactions.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// ReconConfig schedules ledger/store reconciliation.
type ReconConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	OutputDir string `yaml:"output_dir" toml:"output_dir"`
	RunHour   int    `yaml:"run_hour" toml:"run_hour"`
	RunMinute int    `yaml:"run_minute" toml:"run_minute"`
	DryRun    bool   `yaml:"dry_run" toml:"dry_run"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// LoadConfig reads configuration from path, applies environment overrides, and
// validates the result. An empty path configures the service from the environment alone.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	if port, ok := get("PORT"); ok {
		cfg.ListenAddress = ":" + strings.TrimPrefix(port, ":")
	}
	if url, ok := get("DATABASE_URL"); ok {
		cfg.Database.URL = url
	}
	if url, ok := get("RPC_URL"); ok {
		cfg.Ledger.RPCURL = url
	}
	if key, ok := get("PRIVATE_KEY"); ok {
		cfg.Ledger.PrivateKey = key
	}
	if addr, ok := get("CONTRACT_ADDRESS"); ok {
		cfg.Ledger.ContractAddress = addr
	}
	if raw, ok := get("CHAIN_ID"); ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Ledger.ChainID = id
		}
	}
	if env, ok := get("SUBSIDY_ENV"); ok {
		cfg.Env = env
	}
	if secret, ok := get("SUBSIDY_TOKEN_SECRET"); ok {
		cfg.Auth.TokenSecret = secret
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":3000"
	}
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = cfg.Database.MaxOpenConns
	}
	if cfg.Ledger.Confirmations == 0 {
		cfg.Ledger.Confirmations = 1
	}
	if cfg.Ledger.PollInterval.Duration <= 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Ledger.ConfirmTimeout.Duration <= 0 {
		cfg.Ledger.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if cfg.Coordinator.MaxPendingRegistrations <= 0 {
		// leave headroom in the pool for reads and progress appends
		cfg.Coordinator.MaxPendingRegistrations = int64(cfg.Database.MaxOpenConns / 2)
		if cfg.Coordinator.MaxPendingRegistrations == 0 {
			cfg.Coordinator.MaxPendingRegistrations = 1
		}
	}
	if cfg.Auth.TokenTTL.Duration <= 0 {
		cfg.Auth.TokenTTL.Duration = 12 * time.Hour
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "subsidyd"
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = filepath.Join("subsidy-data", "recon")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL environment variable is not set")
	}
	if addr := strings.TrimSpace(cfg.Ledger.ContractAddress); addr != "" && !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid contract address %q", addr)
	}
	if cfg.Ledger.ChainID < 0 {
		return fmt.Errorf("chain id must not be negative")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.TokenSecret) == "" {
		return fmt.Errorf("auth enabled but no token secret configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// LedgerEnabled reports whether an RPC endpoint, signing key, and contract are all configured.
func (c Config) LedgerEnabled() bool {
	return strings.TrimSpace(c.Ledger.RPCURL) != "" &&
		strings.TrimSpace(c.Ledger.PrivateKey) != "" &&
		strings.TrimSpace(c.Ledger.ContractAddress) != ""
}

// NeedsKeyPrompt reports whether the signing key should be read interactively.
func (c Config) NeedsKeyPrompt() bool {
	return c.Ledger.PromptKey &&
		strings.TrimSpace(c.Ledger.PrivateKey) == "" &&
		strings.TrimSpace(c.Ledger.RPCURL) != "" &&
		strings.TrimSpace(c.Ledger.ContractAddress) != ""
}

// sessionSecret returns the configured token secret. With the route guard off and no
// secret configured, a random per-process secret is generated for /login tokens.
func (a AuthConfig) sessionSecret() (string, error) {
	if secret := strings.TrimSpace(a.TokenSecret); secret != "" {
		return secret, nil
	}
	if a.Enabled {
		return "", fmt.Errorf("auth enabled but no token secret configured")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
