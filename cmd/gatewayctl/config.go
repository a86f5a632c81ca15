package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8080"

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
	// Format is the default for --format.
	Format string `yaml:"format,omitempty"`
	// Issuer and SecretFile are defaults for token mint.
	Issuer     string `yaml:"issuer,omitempty"`
	SecretFile string `yaml:"secret_file,omitempty"`
}

var cfg CLIConfig

// configPath returns the path to the CLI config file. GATEWAY_CLI_CONFIG
// overrides the default under the home directory.
func configPath() string {
	if v := os.Getenv("GATEWAY_CLI_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vxlgateway", "config.yaml")
}

// loadConfig reads the CLI config. A missing file leaves the defaults.
func loadConfig() error {
	cfg = CLIConfig{Address: defaultAddress, Format: "table", Issuer: "vxlgateway"}
	data, err := os.ReadFile(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", configPath(), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", configPath(), err)
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	return nil
}

// saveConfig persists the CLI config, readable by the owner only.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// normalizeAddress checks that addr is an http(s) base URL and drops any
// trailing slash so request paths join cleanly.
func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid gateway address %q: want http(s)://host[:port]", addr)
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("invalid gateway address %q: must not carry a path", addr)
	}
	return u.Scheme + "://" + u.Host, nil
}

// effectiveAddress is the address requests go to: GATEWAY_ADDR, then the
// config file.
func effectiveAddress() string {
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		return v
	}
	return cfg.Address
}
