package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Network.ProxyPort != 8100 {
		t.Errorf("ProxyPort: got %d, want 8100", cfg.Network.ProxyPort)
	}
	if cfg.Network.WebPort != 8101 {
		t.Errorf("WebPort: got %d, want 8101", cfg.Network.WebPort)
	}
	if cfg.Network.BindAddr != "127.0.0.1" {
		t.Errorf("BindAddr: got %s", cfg.Network.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.CA.CertificatePath != "ca-cert.pem" {
		t.Errorf("CA.CertificatePath: got %s", cfg.CA.CertificatePath)
	}
	if cfg.CA.PrivateKeyPath != "ca-key.pem" {
		t.Errorf("CA.PrivateKeyPath: got %s", cfg.CA.PrivateKeyPath)
	}
	if cfg.Exclusions == nil {
		t.Error("Exclusions should default to an empty (non-nil) slice")
	}
	if cfg.CustomFilters == nil {
		t.Error("CustomFilters should default to an empty (non-nil) slice")
	}
}

func TestNetworkValidate_RejectsZeroPort(t *testing.T) {
	n := Network{BindAddr: "127.0.0.1", ProxyPort: 0, WebPort: 8101}
	if err := n.Validate(); err == nil {
		t.Error("expected error for zero proxy port")
	}
}

func TestNetworkValidate_RejectsPortCollision(t *testing.T) {
	n := Network{BindAddr: "127.0.0.1", ProxyPort: 8100, WebPort: 8100}
	if err := n.Validate(); err == nil {
		t.Error("expected error for colliding ports")
	}
}

func TestNetworkValidate_RejectsEmptyBindAddr(t *testing.T) {
	n := Network{BindAddr: "", ProxyPort: 8100, WebPort: 8101}
	if err := n.Validate(); err == nil {
		t.Error("expected error for empty bind address")
	}
}

func TestNetworkValidate_RejectsInvalidBindAddr(t *testing.T) {
	n := Network{BindAddr: "not-an-ip", ProxyPort: 8100, WebPort: 8101}
	if err := n.Validate(); err == nil {
		t.Error("expected error for invalid bind address")
	}
}

func TestNetworkValidate_AcceptsValidConfig(t *testing.T) {
	n := Network{BindAddr: "0.0.0.0", ProxyPort: 8100, WebPort: 8101}
	if err := n.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFile_MissingCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")
	cfg, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.Network.ProxyPort != 8100 {
		t.Errorf("ProxyPort: got %d, want 8100", cfg.Network.ProxyPort)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be created at %s: %v", path, err)
	}
}

func TestLoadFile_GroupedShapeRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	written := Configuration{
		Network:       Network{BindAddr: "0.0.0.0", ProxyPort: 9100, WebPort: 9101},
		LogLevel:      "debug",
		Exclusions:    []string{"example.com"},
		CustomFilters: []string{"custom.example##.promo"},
		Filters: []Filter{
			{Enabled: true, Title: "EasyList", Group: "ads", FileName: "abc123", URL: "https://easylist.to/easylist.txt"},
		},
	}
	data, err := json.MarshalIndent(written, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.Network.ProxyPort != 9100 {
		t.Errorf("ProxyPort: got %d, want 9100", cfg.Network.ProxyPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if len(cfg.Filters) != 1 || cfg.Filters[0].Title != "EasyList" {
		t.Errorf("Filters: got %+v", cfg.Filters)
	}
}

func TestLoadFile_LegacyShapeMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	legacy := map[string]any{
		"proxyPort":      9999,
		"managementPort": 9998,
		"bindAddress":    "0.0.0.0",
		"logLevel":       "warn",
		"caCertFile":     "/etc/privaxy/ca.pem",
		"exclusions":     []string{"legacy.example"},
		"customFilters":  []string{"legacy.example##.ad"},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.Network.ProxyPort != 9999 {
		t.Errorf("ProxyPort: got %d, want 9999 (migrated)", cfg.Network.ProxyPort)
	}
	if cfg.Network.WebPort != 9998 {
		t.Errorf("WebPort: got %d, want 9998 (migrated from managementPort)", cfg.Network.WebPort)
	}
	if cfg.Network.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr: got %s (migrated)", cfg.Network.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s (migrated)", cfg.LogLevel)
	}
	if cfg.CA.CertificatePath != "/etc/privaxy/ca.pem" {
		t.Errorf("CA.CertificatePath: got %s (migrated)", cfg.CA.CertificatePath)
	}
	if len(cfg.Exclusions) != 1 || cfg.Exclusions[0] != "legacy.example" {
		t.Errorf("Exclusions: got %v (migrated)", cfg.Exclusions)
	}
}

func TestLoadFile_InvalidJSON_ReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("{this is not json}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFile(path); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}

func TestSave_WritesGroupedShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	cfg := defaults()
	cfg.path = path

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if _, ok := raw["network"]; !ok {
		t.Error("expected saved config to carry a grouped \"network\" object")
	}
}

func TestSetExclusions_PersistsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	cfg := defaults()
	cfg.path = path

	if err := cfg.SetExclusions([]string{"a.example", "b.example"}); err != nil {
		t.Fatalf("SetExclusions: %v", err)
	}

	reloaded, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if len(reloaded.Exclusions) != 2 {
		t.Errorf("Exclusions: got %v", reloaded.Exclusions)
	}
}

func TestSetFilterEnabled_TogglesExistingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	cfg := defaults()
	cfg.path = path
	cfg.Filters = []Filter{{Enabled: false, FileName: "abc", Title: "t", Group: "ads", URL: "https://example.com/list.txt"}}

	ok, err := cfg.SetFilterEnabled("abc", true)
	if err != nil {
		t.Fatalf("SetFilterEnabled: %v", err)
	}
	if !ok {
		t.Fatal("expected filter to be found")
	}
	if !cfg.Filters[0].Enabled {
		t.Error("expected filter to be enabled")
	}
}

func TestSetFilterEnabled_UnknownFileNameReturnsFalse(t *testing.T) {
	cfg := defaults()
	cfg.path = filepath.Join(t.TempDir(), "config")
	ok, err := cfg.SetFilterEnabled("does-not-exist", true)
	if err != nil {
		t.Fatalf("SetFilterEnabled: %v", err)
	}
	if ok {
		t.Error("expected unknown file name to return false")
	}
}

func TestAddFilterAndRemoveFilter(t *testing.T) {
	cfg := defaults()
	cfg.path = filepath.Join(t.TempDir(), "config")

	if err := cfg.AddFilter(Filter{Title: "New List", FileName: "new", URL: "https://example.com/new.txt"}); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}
	if len(cfg.Filters) != 1 {
		t.Fatalf("expected 1 filter, got %d", len(cfg.Filters))
	}

	ok, err := cfg.RemoveFilter("new")
	if err != nil {
		t.Fatalf("RemoveFilter: %v", err)
	}
	if !ok {
		t.Fatal("expected filter to be found and removed")
	}
	if len(cfg.Filters) != 0 {
		t.Errorf("expected 0 filters after removal, got %d", len(cfg.Filters))
	}
}

func TestLoad_AppliesIPAddressEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PRIVAXY_BASE_PATH", dir)
	t.Setenv("PRIVAXY_CONFIG_PATH", "")
	t.Setenv("PRIVAXY_IP_ADDRESS", "0.0.0.0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr: got %s, want 0.0.0.0 (env override)", cfg.Network.BindAddr)
	}
}

func TestLoad_ExplicitConfigPathWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "my-config.json")
	t.Setenv("PRIVAXY_CONFIG_PATH", path)
	t.Setenv("PRIVAXY_BASE_PATH", "")
	t.Setenv("PRIVAXY_IP_ADDRESS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.ProxyPort != 8100 {
		t.Errorf("ProxyPort: got %d, want 8100", cfg.Network.ProxyPort)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config written at explicit PRIVAXY_CONFIG_PATH: %v", err)
	}
}
