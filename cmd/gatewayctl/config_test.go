package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")
	t.Setenv("GATEWAY_CLI_CONFIG", path)
	t.Setenv("GATEWAY_ADDR", "")

	if err := loadConfig(); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.Address != defaultAddress || cfg.Format != "table" || cfg.Issuer != "vxlgateway" {
		t.Fatalf("defaults = %+v", cfg)
	}

	cfg.Address = "https://gateway.internal:8443"
	cfg.Token = "tok"
	cfg.Format = "json"
	if err := saveConfig(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	cfg = CLIConfig{}
	if err := loadConfig(); err != nil {
		t.Fatal(err)
	}
	if cfg.Address != "https://gateway.internal:8443" || cfg.Token != "tok" || cfg.Format != "json" {
		t.Fatalf("reloaded = %+v", cfg)
	}
	if effectiveAddress() != cfg.Address {
		t.Errorf("effective address = %q", effectiveAddress())
	}
	t.Setenv("GATEWAY_ADDR", "http://other:8080")
	if effectiveAddress() != "http://other:8080" {
		t.Errorf("GATEWAY_ADDR not honored: %q", effectiveAddress())
	}
}

func TestMalformedConfigIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")
	if err := os.WriteFile(path, []byte("address: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEWAY_CLI_CONFIG", path)
	if err := loadConfig(); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":          "http://127.0.0.1:8080",
		" https://gateway.internal:8443/": "https://gateway.internal:8443",
	}
	for in, want := range cases {
		got, err := normalizeAddress(in)
		if err != nil || got != want {
			t.Errorf("normalizeAddress(%q) = %q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"gateway:8080", "ftp://gateway", "http://gateway/v1", ""} {
		if _, err := normalizeAddress(bad); err == nil {
			t.Errorf("normalizeAddress(%q) accepted", bad)
		}
	}
}
