// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testKey = strings.Repeat("0f", 32)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
}

// TestLoad_YAMLWithEnvExpansion verifies ${VAR} expansion and static peers.
func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("OWN_KEY", testKey)
	writeConfig(t, `
database_url: postgres://db/fed
redis:
  url: redis://cache:6379/1
federation:
  symmetric_key: ${OWN_KEY}
  delivery_timeout: 3s
  concurrency: 2
  receive_path: api/federation/receive
  site_list:
    - domain: Peer.Example
      key: `+testKey+`
    - domain: broken.example
      key: nothex
    - domain: other.example
      key: `+testKey+`
      api: mx.other.example
log_level: debug
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OwnKey != testKey {
		t.Errorf("OwnKey = %q", cfg.OwnKey)
	}
	if cfg.DatabaseURL != "postgres://db/fed" || cfg.RedisURL != "redis://cache:6379/1" {
		t.Errorf("urls = %q %q", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.DeliveryTimeout != 3*time.Second || cfg.Concurrency != 2 {
		t.Errorf("timeout = %v, concurrency = %d", cfg.DeliveryTimeout, cfg.Concurrency)
	}
	if cfg.ReceivePath != "/api/federation/receive" {
		t.Errorf("ReceivePath = %q", cfg.ReceivePath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if len(cfg.StaticPeers) != 2 {
		t.Fatalf("StaticPeers = %+v, want 2 valid peers", cfg.StaticPeers)
	}
	if cfg.StaticPeers[0].Domain != "peer.example" || cfg.StaticPeers[0].APIHost != "peer.example" {
		t.Errorf("peer 0 = %+v", cfg.StaticPeers[0])
	}
	if cfg.StaticPeers[1].APIHost != "mx.other.example" {
		t.Errorf("peer 1 = %+v", cfg.StaticPeers[1])
	}
}

// TestLoad_MissingFileUsesDefaults verifies env-only operation.
func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.ReceivePath != "/federation/receive" {
		t.Errorf("ReceivePath = %q", cfg.ReceivePath)
	}
	if cfg.DeliveryTimeout != 15*time.Second || cfg.ReplayTTL != 24*time.Hour {
		t.Errorf("durations = %v %v", cfg.DeliveryTimeout, cfg.ReplayTTL)
	}
	if cfg.OwnKey != "" {
		t.Errorf("OwnKey = %q, want empty", cfg.OwnKey)
	}
}

// TestLoad_InvalidOwnKey verifies a malformed own key fails fast.
func TestLoad_InvalidOwnKey(t *testing.T) {
	writeConfig(t, "federation:\n  symmetric_key: abc123\n")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid own key")
	}
}

// TestLoad_StaticPeerIDNA verifies static peer domains are normalized the
// same way recipient domains are.
func TestLoad_StaticPeerIDNA(t *testing.T) {
	writeConfig(t, `
federation:
  site_list:
    - domain: Bücher.Example.
      key: `+testKey+`
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.StaticPeers) != 1 {
		t.Fatalf("StaticPeers = %+v", cfg.StaticPeers)
	}
	if got := cfg.StaticPeers[0]; got.Domain != "xn--bcher-kva.example" || got.APIHost != "xn--bcher-kva.example" {
		t.Errorf("peer = %+v", got)
	}
}

// TestLoad_AdminDefaults verifies the admin listener stays on loopback
// unless configured.
func TestLoad_AdminDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("ADMIN_TOKEN", " s3cret ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AdminAddr != "127.0.0.1:8081" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
	if cfg.AdminToken != "s3cret" {
		t.Errorf("AdminToken = %q", cfg.AdminToken)
	}
}
