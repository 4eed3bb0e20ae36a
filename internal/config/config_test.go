package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
server:
  listen: ":9090"
relay:
  fingerprint_salt: "pepper"
  ip_rps_limit: 25
  trusted_proxies: ["10.0.0.0/8"]
keys:
  genesis: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
  transit: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE"
  routing: "AgICAgICAgICAgICAgICAgICAgICAgICAgICAgICAgI"
registry:
  path: "links.db"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Relay.GenesisTTLSec != 15 || cfg.Relay.TransitTTLSec != 10 || cfg.Relay.RoutingTTLSec != 5 {
		t.Errorf("stage TTL defaults = %d/%d/%d, want 15/10/5",
			cfg.Relay.GenesisTTLSec, cfg.Relay.TransitTTLSec, cfg.Relay.RoutingTTLSec)
	}
	if cfg.Replay.Backend != "memory" {
		t.Errorf("replay backend default = %q", cfg.Replay.Backend)
	}
	if cfg.Tracking.Backend != "log" {
		t.Errorf("tracking backend default = %q", cfg.Tracking.Backend)
	}
	if len(cfg.Relay.ProxyNets) != 1 {
		t.Fatalf("proxy nets = %d, want 1", len(cfg.Relay.ProxyNets))
	}

	g, tr, ro, err := cfg.StageKeyBytes()
	if err != nil {
		t.Fatalf("StageKeyBytes: %v", err)
	}
	if len(g) != 32 || len(tr) != 32 || len(ro) != 32 {
		t.Errorf("key lengths = %d/%d/%d, want 32 each", len(g), len(tr), len(ro))
	}
}

func TestLoad_EnvKeyOverride(t *testing.T) {
	t.Setenv("BRAINLINK_GENESIS_KEY", "_x_x_x_x_x_x_x_x_x_x_x_x_x_x_x_x_x_x_x_x_xA")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, _, _, err := cfg.StageKeyBytes()
	if err != nil {
		t.Fatalf("StageKeyBytes: %v", err)
	}
	if len(g) != 32 {
		t.Errorf("overridden key length = %d, want 32", len(g))
	}
	if cfg.Keys.Genesis == "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA" {
		t.Error("env override did not take effect")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing salt", `
keys: {genesis: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", transit: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE", routing: "AgICAgICAgICAgICAgICAgICAgICAgICAgICAgICAgI"}
registry: {path: "links.db"}
`},
		{"missing registry path", `
relay: {fingerprint_salt: "pepper"}
keys: {genesis: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", transit: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE", routing: "AgICAgICAgICAgICAgICAgICAgICAgICAgICAgICAgI"}
`},
		{"sqlite replay without path", `
relay: {fingerprint_salt: "pepper"}
keys: {genesis: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", transit: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE", routing: "AgICAgICAgICAgICAgICAgICAgICAgICAgICAgICAgI"}
registry: {path: "links.db"}
replay: {backend: "sqlite"}
`},
		{"missing keys", `
relay: {fingerprint_salt: "pepper"}
registry: {path: "links.db"}
`},
		{"bad base64 key", `
relay: {fingerprint_salt: "pepper"}
keys: {genesis: "not//valid==", transit: "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE", routing: "AgICAgICAgICAgICAgICAgICAgICAgICAgICAgICAgI"}
registry: {path: "links.db"}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestLoad_BadProxyCIDR(t *testing.T) {
	_, err := Load(writeConfig(t, `
relay:
  fingerprint_salt: "pepper"
  trusted_proxies: ["not-a-cidr"]
`))
	if err == nil {
		t.Error("Load accepted invalid CIDR")
	}
}
