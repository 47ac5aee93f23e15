// Package config loads and holds the proxy's grouped configuration.
// Settings are layered: compiled-in defaults -> config file -> environment
// variables (env vars win). The config file path is resolved from
// $PRIVAXY_CONFIG_PATH, falling back to $PRIVAXY_BASE_PATH/config, falling
// back to $HOME/.privaxy/config. A legacy flat JSON shape (as produced by an
// older build) is detected on read and migrated in-memory to the grouped
// shape; Save always writes the grouped shape.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

const (
	configDirName  = ".privaxy"
	configFileName = "config"
)

// CA holds the root certificate authority material, either inline (PEM text)
// or as a path to load from disk.
type CA struct {
	Certificate     string `json:"ca_certificate,omitempty"`
	PrivateKey      string `json:"ca_private_key,omitempty"`
	CertificatePath string `json:"ca_certificate_path,omitempty"`
	PrivateKeyPath  string `json:"ca_private_key_path,omitempty"`
}

// Network holds the bind address and listening ports.
type Network struct {
	BindAddr  string `json:"bind_addr"`
	ProxyPort uint16 `json:"proxy_port"`
	WebPort   uint16 `json:"web_port"`
	TLS       bool   `json:"tls"`
}

// Filter is one entry in the rule-list catalogue: a default list shipped
// with the proxy, or a custom list the operator added.
type Filter struct {
	Enabled  bool   `json:"enabled"`
	Title    string `json:"title"`
	Group    string `json:"group"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

// Configuration is the grouped, on-disk configuration shape.
type Configuration struct {
	CA            CA       `json:"ca"`
	Network       Network  `json:"network"`
	LogLevel      string   `json:"log_level"`
	Exclusions    []string `json:"exclusions"`
	CustomFilters []string `json:"custom_filters"`
	Filters       []Filter `json:"filters"`

	path string // resolved file path this configuration was loaded from / saves to
}

// legacyConfiguration is the flat shape produced by older builds of this
// proxy, before the grouped ca/network/filters/exclusions/custom_filters
// shape existed. Detected on read and migrated in-memory; never written.
type legacyConfiguration struct {
	ProxyPort       int      `json:"proxyPort"`
	ManagementPort  int      `json:"managementPort"`
	BindAddress     string   `json:"bindAddress"`
	LogLevel        string   `json:"logLevel"`
	CACertFile      string   `json:"caCertFile"`
	CAKeyFile       string   `json:"caKeyFile"`
	ManagementToken string   `json:"managementToken"`
	Exclusions      []string `json:"exclusions"`
	CustomFilters   []string `json:"customFilters"`
}

// isLegacyShape reports whether raw looks like the flat legacy shape rather
// than the grouped shape: the grouped shape always carries a "network"
// or "ca" object, the legacy shape never does.
func isLegacyShape(raw map[string]json.RawMessage) bool {
	_, hasNetwork := raw["network"]
	_, hasCA := raw["ca"]
	return !hasNetwork && !hasCA
}

func migrateLegacy(l legacyConfiguration) Configuration {
	cfg := defaults()
	if l.BindAddress != "" {
		cfg.Network.BindAddr = l.BindAddress
	}
	if l.ProxyPort != 0 {
		cfg.Network.ProxyPort = uint16(l.ProxyPort) //nolint:gosec // legacy field, trusted local config
	}
	if l.ManagementPort != 0 {
		cfg.Network.WebPort = uint16(l.ManagementPort) //nolint:gosec // legacy field, trusted local config
	}
	if l.LogLevel != "" {
		cfg.LogLevel = l.LogLevel
	}
	if l.CACertFile != "" {
		cfg.CA.CertificatePath = l.CACertFile
	}
	if l.CAKeyFile != "" {
		cfg.CA.PrivateKeyPath = l.CAKeyFile
	}
	if l.Exclusions != nil {
		cfg.Exclusions = l.Exclusions
	}
	if l.CustomFilters != nil {
		cfg.CustomFilters = l.CustomFilters
	}
	return cfg
}

func defaults() Configuration {
	return Configuration{
		CA: CA{
			CertificatePath: "ca-cert.pem",
			PrivateKeyPath:  "ca-key.pem",
		},
		Network: Network{
			BindAddr:  "127.0.0.1",
			ProxyPort: 8100,
			WebPort:   8101,
			TLS:       false,
		},
		LogLevel:      "info",
		Exclusions:    []string{},
		CustomFilters: []string{},
		Filters:       nil, // populated from updater.DefaultFilterLists by the caller on first run
	}
}

// resolvePath determines the config file path per spec.md §6: explicit
// PRIVAXY_CONFIG_PATH wins, else PRIVAXY_BASE_PATH/config, else
// $HOME/.privaxy/config.
func resolvePath() (string, error) {
	if p := os.Getenv("PRIVAXY_CONFIG_PATH"); p != "" {
		return p, nil
	}
	if base := os.Getenv("PRIVAXY_BASE_PATH"); base != "" {
		return filepath.Join(base, configFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

// Load reads the configuration from its resolved path, creating a default
// configuration on disk if no file exists yet, then applies environment
// variable overrides.
func Load() (*Configuration, error) {
	path, err := resolvePath()
	if err != nil {
		return nil, err
	}

	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.path = path

	applyEnv(cfg)

	if err := cfg.Network.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is resolved from trusted env vars / compiled default, not user input
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			if dirErr := os.MkdirAll(filepath.Dir(path), 0o700); dirErr != nil {
				return nil, fmt.Errorf("create config directory: %w", dirErr)
			}
			if saveErr := (&cfg).save(path); saveErr != nil {
				return nil, saveErr
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if isLegacyShape(raw) {
		var legacy legacyConfiguration
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("parse legacy config file %s: %w", path, err)
		}
		cfg := migrateLegacy(legacy)
		return &cfg, nil
	}

	cfg := defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv layers PRIVAXY_IP_ADDRESS onto the bind address; PRIVAXY_FILTER_PATH
// is consumed by the caller that wires up the filter cache directory, not
// here, since it is not a Configuration field.
func applyEnv(cfg *Configuration) {
	if v := os.Getenv("PRIVAXY_IP_ADDRESS"); v != "" {
		cfg.Network.BindAddr = v
	}
}

// Save persists the configuration, in the grouped shape, to the path it was
// loaded from (or will be loaded from, if this is a fresh default).
func (c *Configuration) Save() error {
	path := c.path
	if path == "" {
		p, err := resolvePath()
		if err != nil {
			return err
		}
		path = p
		c.path = path
	}
	return c.save(path)
}

func (c *Configuration) save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config temp file: %w", err)
	}
	return nil
}

// SetExclusions replaces the exclusion list and persists the change.
func (c *Configuration) SetExclusions(exclusions []string) error {
	c.Exclusions = exclusions
	return c.Save()
}

// SetCustomFilters replaces the custom filter rule lines and persists the
// change.
func (c *Configuration) SetCustomFilters(lines []string) error {
	c.CustomFilters = lines
	return c.Save()
}

// SetFilterEnabled toggles one filter list by file name and persists the
// change. Returns false if no filter with that file name is known.
func (c *Configuration) SetFilterEnabled(fileName string, enabled bool) (bool, error) {
	for i := range c.Filters {
		if c.Filters[i].FileName == fileName {
			c.Filters[i].Enabled = enabled
			return true, c.Save()
		}
	}
	return false, nil
}

// AddFilter appends a new filter list entry and persists the change.
func (c *Configuration) AddFilter(f Filter) error {
	c.Filters = append(c.Filters, f)
	return c.Save()
}

// RemoveFilter deletes a filter list entry by file name and persists the
// change. Returns false if no filter with that file name is known.
func (c *Configuration) RemoveFilter(fileName string) (bool, error) {
	for i := range c.Filters {
		if c.Filters[i].FileName == fileName {
			c.Filters = append(c.Filters[:i], c.Filters[i+1:]...)
			return true, c.Save()
		}
	}
	return false, nil
}

// Validate checks the network configuration per spec.md §6/§9: both ports
// must be non-zero and distinct, and bind_addr must be a valid IPv4 or IPv6
// address.
func (n Network) Validate() error {
	if n.ProxyPort == 0 {
		return fmt.Errorf("network config: proxy port cannot be 0")
	}
	if n.WebPort == 0 {
		return fmt.Errorf("network config: web port cannot be 0")
	}
	if n.ProxyPort == n.WebPort {
		return fmt.Errorf("network config: proxy and web ports cannot be the same")
	}
	if n.BindAddr == "" {
		return fmt.Errorf("network config: bind address cannot be empty")
	}
	if net.ParseIP(n.BindAddr) == nil {
		return fmt.Errorf("network config: invalid bind address %q", n.BindAddr)
	}
	return nil
}
