package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hsdfat8/diam-node/node"
)

const testConfig = `
node:
  originHost: relay.example.com
  originRealm: example.com
  vendorID: 10415
  supportedVendorIDs: [10415]
  authAppIDs: [4]
  vendorAuthApps:
    - vendorID: 10415
      appID: 16777251
  allowedPeers: [mme.example.com]
  listenAddress: 127.0.0.1
  port: 3870
  useSCTP: true
  sctpPort: 3871
  watchdogInterval: 15s
  idleTimeout: 5m
relay:
  upstreams:
    - aaa://dra1.example.com:3868;transport=tcp
    - aaa://dra2.example.com;transport=sctp
  requestTimeout: 2s
logging:
  level: debug
metrics:
  enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.OriginHost != "relay.example.com" {
		t.Errorf("OriginHost = %s", cfg.Node.OriginHost)
	}
	if cfg.Node.WatchdogInterval != 15*time.Second || cfg.Node.IdleTimeout != 5*time.Minute {
		t.Errorf("durations = %v, %v", cfg.Node.WatchdogInterval, cfg.Node.IdleTimeout)
	}
	if cfg.Node.CEATimeout != node.DefaultSettings().CEATimeout {
		t.Errorf("CEATimeout default not applied: %v", cfg.Node.CEATimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Metrics.Enabled {
		t.Errorf("logging/metrics = %+v %+v", cfg.Logging, cfg.Metrics)
	}

	s := cfg.Node.Settings()
	if s.Port != 3870 || !s.UseSCTP || s.SCTPPort != 3871 || !s.UseTCP {
		t.Errorf("transport settings = %+v", s)
	}
	if !s.Capabilities.IsAllowedAuthApp(4) || !s.Capabilities.IsAllowedAuthApp(16777251) || !s.Capabilities.IsSupportedVendor(10415) {
		t.Errorf("capabilities = %+v", s.Capabilities)
	}

	peers, err := cfg.Relay.Peers()
	if err != nil {
		t.Fatalf("Peers() error = %v", err)
	}
	if len(peers) != 2 || peers[0].Port != 3868 || peers[1].Transport != node.TransportSCTP {
		t.Errorf("peers = %v", peers)
	}
	if cfg.Relay.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Relay.RequestTimeout)
	}

	if _, ok := cfg.Node.Validator().(node.AllowListValidator); !ok {
		t.Errorf("Validator() = %T, want AllowListValidator", cfg.Node.Validator())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DIAMNODE_NODE_ORIGINHOST", "env.example.com")
	t.Setenv("DIAMNODE_LOGGING_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.OriginHost != "env.example.com" {
		t.Errorf("OriginHost = %s, want env override", cfg.Node.OriginHost)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %s, want env override", cfg.Logging.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"secure upstream", "relay:\n  upstreams: [\"aaas://dra.example.com\"]\n"},
		{"unknown log level", "logging:\n  level: verbose\n"},
		{"negative port", "node:\n  port: -5\n"},
		{"no application", "node:\n  authAppIDs: []\n"},
		{"metrics path", "metrics:\n  path: metrics\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load() succeeded for a missing file")
	}
}

func TestNodeConfig_DefaultValidator(t *testing.T) {
	c := &NodeConfig{}
	if _, ok := c.Validator().(node.DefaultValidator); !ok {
		t.Errorf("Validator() = %T, want DefaultValidator", c.Validator())
	}
}
