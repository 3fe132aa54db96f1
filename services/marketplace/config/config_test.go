package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testLocker = "0x1111111111111111111111111111111111111111"
	testToken  = "0x2222222222222222222222222222222222222222"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Chain.Mode != ChainModeNative {
		t.Fatalf("expected native mode by default, got %q", cfg.Chain.Mode)
	}
	if cfg.Recon.Interval.Duration != time.Hour {
		t.Fatalf("unexpected recon interval %s", cfg.Recon.Interval)
	}
	if cfg.Chain.VerifyTimeout.Duration != 30*time.Second {
		t.Fatalf("unexpected verify timeout %s", cfg.Chain.VerifyTimeout)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN == "" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.PageSize != 50 {
		t.Fatalf("unexpected page size %d", cfg.PageSize)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "marketplace.yaml", `
listen: ":9090"
database:
  driver: postgres
  dsn: postgres://market@localhost/market
chain:
  mode: evm
  rpc_url: http://localhost:8545
  chain_id: 31337
  locker_address: `+testLocker+`
  token_address: `+testToken+`
  finality: finalized
  poll_interval: 500ms
recon:
  enabled: true
  interval: 15m
auth:
  operators: ["ops-1"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("unexpected listen %q", cfg.ListenAddress)
	}
	if cfg.Chain.PollInterval.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", cfg.Chain.PollInterval)
	}
	if cfg.Recon.Interval.Duration != 15*time.Minute || !cfg.Recon.Enabled {
		t.Fatalf("unexpected recon config %+v", cfg.Recon)
	}
	if cfg.Chain.ChainID != 31337 || cfg.Chain.Finality != FinalityFinalized {
		t.Fatalf("unexpected chain config %+v", cfg.Chain)
	}
	if len(cfg.Auth.Operators) != 1 || cfg.Auth.Operators[0] != "ops-1" {
		t.Fatalf("unexpected operators %v", cfg.Auth.Operators)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "marketplace.toml", `
listen = ":7070"

[native]
driver = "bolt"
data_dir = "/var/lib/locker"

[[native.genesis]]
address = "`+testLocker+`"
amount = "1000.5"

[recon]
interval = "2h"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Native.Driver != "bolt" || cfg.Native.DataDir != "/var/lib/locker" {
		t.Fatalf("unexpected native config %+v", cfg.Native)
	}
	if len(cfg.Native.Genesis) != 1 || cfg.Native.Genesis[0].Amount != "1000.5" {
		t.Fatalf("unexpected genesis %+v", cfg.Native.Genesis)
	}
	if cfg.Recon.Interval.Duration != 2*time.Hour {
		t.Fatalf("unexpected interval %s", cfg.Recon.Interval)
	}
}

func TestLoadRejectsUnknownYAMLFields(t *testing.T) {
	path := writeFile(t, "bad.yaml", "listen: \":1\"\nunknown_field: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETPLACE_LISTEN", ":6060")
	t.Setenv("MARKETPLACE_OPERATORS", "ops-a, ops-b,,")
	t.Setenv("MARKETPLACE_VERIFY_TIMEOUT", "5s")
	t.Setenv("MARKETPLACE_RECON_ENABLED", "true")
	t.Setenv("MARKETPLACE_CHAIN_ID", "99")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":6060" {
		t.Fatalf("unexpected listen %q", cfg.ListenAddress)
	}
	if got := strings.Join(cfg.Auth.Operators, ","); got != "ops-a,ops-b" {
		t.Fatalf("unexpected operators %q", got)
	}
	if cfg.Chain.VerifyTimeout.Duration != 5*time.Second {
		t.Fatalf("unexpected verify timeout %s", cfg.Chain.VerifyTimeout)
	}
	if !cfg.Recon.Enabled || cfg.Chain.ChainID != 99 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestEnvOverrideRejectsBadChainID(t *testing.T) {
	t.Setenv("MARKETPLACE_CHAIN_ID", "abc")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected chain id parse error")
	}
}

func TestValidateEVMRequiresAddresses(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)
	cfg.Chain.Mode = ChainModeEVM
	err := validate(cfg)
	if err == nil {
		t.Fatalf("expected evm validation errors")
	}
	for _, want := range []string{"chain.rpc_url", "chain.locker_address", "chain.token_address"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateNativeGenesis(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)
	cfg.Native.Genesis = []Allocation{{Address: "nope", Amount: "1.1234567"}}
	err := validate(cfg)
	if err == nil {
		t.Fatalf("expected genesis validation errors")
	}
	if !strings.Contains(err.Error(), "genesis[0].address") || !strings.Contains(err.Error(), "genesis[0].amount") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Config{Database: DatabaseConfig{Driver: "mysql", DSN: "x"}}
	applyDefaults(&cfg)
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "database.driver") {
		t.Fatalf("expected driver error, got %v", err)
	}
}
