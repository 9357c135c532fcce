package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultd.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Identity.Owner != "owner" || cfg.Identity.Router != "router" {
		t.Fatalf("unexpected identities: %+v", cfg.Identity)
	}
	if cfg.Ledger.Store.Driver != "memory" {
		t.Fatalf("unexpected store driver: %s", cfg.Ledger.Store.Driver)
	}
	if cfg.Ledger.Oracle.Provider != "static" {
		t.Fatalf("unexpected oracle provider: %s", cfg.Ledger.Oracle.Provider)
	}
	if cfg.Router.AssetID != "vUSD" {
		t.Fatalf("unexpected asset id: %s", cfg.Router.AssetID)
	}
	if cfg.Bridge.LocalChainID != 1 || cfg.Bridge.Workers != 1 {
		t.Fatalf("unexpected bridge defaults: %+v", cfg.Bridge)
	}
	if cfg.Bridge.Transport.Driver != "memory" || cfg.Bridge.Processed.Driver != "memory" {
		t.Fatalf("unexpected bridge drivers: %+v", cfg.Bridge)
	}
}

func TestLoadResolvesRelativeRoutesFile(t *testing.T) {
	path := writeConfig(t, `{"bridge": {"routes_file": "routes.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "routes.yaml")
	if cfg.Bridge.RoutesFile != want {
		t.Fatalf("expected routes file %s, got %s", want, cfg.Bridge.RoutesFile)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
  "server": {"address": ":9000"},
  "identity": {"owner": "multisig"},
  "ledger": {"store": {"driver": "mysql", "dsn": "user:pass@tcp(db:3306)/vault"}},
  "bridge": {"local_chain_id": 10, "workers": 4, "transport": {"driver": "rabbitmq"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Identity.Owner != "multisig" {
		t.Fatalf("unexpected owner: %s", cfg.Identity.Owner)
	}
	if cfg.Ledger.Store.Driver != "mysql" {
		t.Fatalf("unexpected store driver: %s", cfg.Ledger.Store.Driver)
	}
	if cfg.Bridge.LocalChainID != 10 || cfg.Bridge.Workers != 4 {
		t.Fatalf("unexpected bridge settings: %+v", cfg.Bridge)
	}
	if cfg.Bridge.Transport.Driver != "rabbitmq" {
		t.Fatalf("unexpected transport driver: %s", cfg.Bridge.Transport.Driver)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
