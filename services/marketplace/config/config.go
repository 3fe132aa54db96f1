package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"cryptobazaar/core/types"
	"cryptobazaar/crypto"
	"cryptobazaar/native/locker"
)

// Chain modes.
const (
	ChainModeEVM    = "evm"
	ChainModeNative = "native"
)

// Finality policies for lock verification.
const (
	FinalityConfirmations = "confirmations"
	FinalityFinalized     = "finalized"
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

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env values.
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

// Config captures runtime configuration for the marketplace daemon.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	PageSize      int             `yaml:"page_size" toml:"page_size"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	Chain         ChainConfig     `yaml:"chain" toml:"chain"`
	Native        NativeConfig    `yaml:"native" toml:"native"`
	Recon         ReconConfig     `yaml:"recon" toml:"recon"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the order store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Alg              string   `yaml:"alg" toml:"alg"`
	Issuer           string   `yaml:"issuer" toml:"issuer"`
	Audience         []string `yaml:"audience" toml:"audience"`
	HSSecretEnv      string   `yaml:"hs_secret_env" toml:"hs_secret_env"`
	RSAPublicKeyFile string   `yaml:"rsa_public_key_file" toml:"rsa_public_key_file"`
	WalletClaim      string   `yaml:"wallet_claim" toml:"wallet_claim"`
	MaxSkewSeconds   int      `yaml:"max_skew_seconds" toml:"max_skew_seconds"`
	Operators        []string `yaml:"operators" toml:"operators"`
}

// ChainConfig points the verifier at the escrow ledger.
type ChainConfig struct {
	Mode          string   `yaml:"mode" toml:"mode"`
	RPCURL        string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       int64    `yaml:"chain_id" toml:"chain_id"`
	LockerAddress string   `yaml:"locker_address" toml:"locker_address"`
	TokenAddress  string   `yaml:"token_address" toml:"token_address"`
	Finality      string   `yaml:"finality" toml:"finality"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	VerifyTimeout Duration `yaml:"verify_timeout" toml:"verify_timeout"`
}

// NativeConfig runs the escrow ledger in-process.
type NativeConfig struct {
	Driver   string       `yaml:"driver" toml:"driver"`
	DataDir  string       `yaml:"data_dir" toml:"data_dir"`
	Operator string       `yaml:"operator" toml:"operator"`
	Genesis  []Allocation `yaml:"genesis" toml:"genesis"`
}

// Allocation mints Amount tokens to Address when the ledger is empty.
type Allocation struct {
	Address string `yaml:"address" toml:"address"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// ReconConfig schedules the order audit.
type ReconConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	DryRun    bool     `yaml:"dry_run" toml:"dry_run"`
}

// RateLimitConfig throttles API clients.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path, applies defaults and environment
// overrides, and validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
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
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:marketplace.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Auth.Alg == "" {
		cfg.Auth.Alg = "HS256"
	}
	if cfg.Auth.HSSecretEnv == "" {
		cfg.Auth.HSSecretEnv = "MARKETPLACE_JWT_SECRET"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "cryptobazaar"
	}
	if len(cfg.Auth.Audience) == 0 {
		cfg.Auth.Audience = []string{"marketplace"}
	}
	if cfg.Chain.Mode == "" {
		cfg.Chain.Mode = ChainModeNative
	}
	if cfg.Chain.Finality == "" {
		cfg.Chain.Finality = FinalityConfirmations
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 12
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.VerifyTimeout.Duration == 0 {
		cfg.Chain.VerifyTimeout.Duration = 30 * time.Second
	}
	if cfg.Native.Driver == "" {
		cfg.Native.Driver = "leveldb"
	}
	if cfg.Native.DataDir == "" {
		cfg.Native.DataDir = "./data/locker"
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = time.Hour
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "./data/audit"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddress, "MARKETPLACE_LISTEN")
	setString(&cfg.Environment, "MARKETPLACE_ENV")
	setString(&cfg.Database.Driver, "MARKETPLACE_DB_DRIVER")
	setString(&cfg.Database.DSN, "MARKETPLACE_DB_DSN")
	setString(&cfg.Chain.Mode, "MARKETPLACE_CHAIN_MODE")
	setString(&cfg.Chain.RPCURL, "MARKETPLACE_RPC_URL")
	setString(&cfg.Chain.LockerAddress, "MARKETPLACE_LOCKER_ADDRESS")
	setString(&cfg.Chain.TokenAddress, "MARKETPLACE_TOKEN_ADDRESS")
	setString(&cfg.Native.DataDir, "MARKETPLACE_NATIVE_DATA_DIR")
	setString(&cfg.Native.Operator, "MARKETPLACE_NATIVE_OPERATOR")
	setString(&cfg.Recon.OutputDir, "MARKETPLACE_RECON_OUTPUT_DIR")
	setString(&cfg.Logging.Level, "MARKETPLACE_LOG_LEVEL")
	setString(&cfg.Logging.File, "MARKETPLACE_LOG_FILE")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Headers, "OTEL_EXPORTER_OTLP_HEADERS")
	if raw := strings.TrimSpace(os.Getenv("MARKETPLACE_OPERATORS")); raw != "" {
		cfg.Auth.Operators = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("MARKETPLACE_CHAIN_ID")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("MARKETPLACE_CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if raw := strings.TrimSpace(os.Getenv("MARKETPLACE_VERIFY_TIMEOUT")); raw != "" {
		if err := cfg.Chain.VerifyTimeout.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("MARKETPLACE_VERIFY_TIMEOUT: %w", err)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MARKETPLACE_RECON_ENABLED")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("MARKETPLACE_RECON_ENABLED: %w", err)
		}
		cfg.Recon.Enabled = enabled
	}
	return nil
}

func setString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", cfg.Database.Driver))
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn must be configured"))
	}
	switch cfg.Chain.Mode {
	case ChainModeEVM:
		errs = append(errs, validateEVM(cfg.Chain)...)
	case ChainModeNative:
		errs = append(errs, validateNative(cfg.Native)...)
	default:
		errs = append(errs, fmt.Errorf("chain.mode %q must be evm or native", cfg.Chain.Mode))
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func validateEVM(chain ChainConfig) []error {
	var errs []error
	if strings.TrimSpace(chain.RPCURL) == "" {
		errs = append(errs, errors.New("chain.rpc_url must be configured in evm mode"))
	}
	if _, err := crypto.ParseAddress(chain.LockerAddress); err != nil {
		errs = append(errs, fmt.Errorf("chain.locker_address: %w", err))
	}
	if _, err := crypto.ParseAddress(chain.TokenAddress); err != nil {
		errs = append(errs, fmt.Errorf("chain.token_address: %w", err))
	}
	switch chain.Finality {
	case FinalityConfirmations, FinalityFinalized:
	default:
		errs = append(errs, fmt.Errorf("chain.finality %q must be confirmations or finalized", chain.Finality))
	}
	return errs
}

func validateNative(native NativeConfig) []error {
	var errs []error
	if native.Operator != "" {
		if _, err := crypto.ParseAddress(native.Operator); err != nil {
			errs = append(errs, fmt.Errorf("native.operator: %w", err))
		}
	}
	for i, alloc := range native.Genesis {
		if _, err := crypto.ParseAddress(alloc.Address); err != nil {
			errs = append(errs, fmt.Errorf("native.genesis[%d].address: %w", i, err))
		}
		if _, err := types.ParseFixed(alloc.Amount, locker.Decimals); err != nil {
			errs = append(errs, fmt.Errorf("native.genesis[%d].amount: %w", i, err))
		}
	}
	return errs
}
