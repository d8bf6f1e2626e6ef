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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcem/federation/internal/fedcrypt"
	"github.com/bcem/federation/internal/site"
)

// PeerConfig is a statically configured federation peer, used when the
// site registry cannot be read.
type PeerConfig struct {
	Domain  string `yaml:"domain"`
	Key     string `yaml:"key"`
	APIHost string `yaml:"api"`
}

// Config holds all configuration for the federation service.
type Config struct {
	DatabaseURL string

	// Redis
	RedisURL      string
	ReceivedQueue string

	// Federation
	OwnKey          string
	StaticPeers     []PeerConfig
	DeliveryTimeout time.Duration
	Concurrency     int
	ReceivePath     string
	ReplayTTL       time.Duration
	MaxBodyBytes    int64

	// Storage
	AttachmentsDir string

	// Server
	Port     int
	LogLevel slog.Level

	// Admin API: its own listener, bearer token required
	AdminAddr  string
	AdminToken string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	DatabaseURL string `yaml:"database_url"`
	Redis       struct {
		URL    string `yaml:"url"`
		Queues struct {
			Received string `yaml:"received"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Federation struct {
		SymmetricKey    string       `yaml:"symmetric_key"`
		SiteList        []PeerConfig `yaml:"site_list"`
		DeliveryTimeout string       `yaml:"delivery_timeout"`
		Concurrency     int          `yaml:"concurrency"`
		ReceivePath     string       `yaml:"receive_path"`
		ReplayTTL       string       `yaml:"replay_ttl"`
		MaxBodyBytes    int64        `yaml:"max_body_bytes"`
	} `yaml:"federation"`
	Storage struct {
		AttachmentsDir string `yaml:"attachments_dir"`
	} `yaml:"storage"`
	Admin struct {
		Listen string `yaml:"listen"`
		Token  string `yaml:"token"`
	} `yaml:"admin"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A missing config file is
// not an error: everything can be supplied through the environment.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		slog.Warn("config file not found, using environment only", "path", configPath)
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		DatabaseURL:     firstNonEmpty(raw.DatabaseURL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/federation")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		ReceivedQueue:   firstNonEmpty(raw.Redis.Queues.Received, envOrDefault("RECEIVED_QUEUE", "federation:received")),
		OwnKey:          strings.TrimSpace(firstNonEmpty(raw.Federation.SymmetricKey, os.Getenv("FEDERATION_SYMMETRIC_KEY"))),
		DeliveryTimeout: parseDurationOr(raw.Federation.DeliveryTimeout, envOrDefaultDuration("DELIVERY_TIMEOUT", 15*time.Second)),
		Concurrency:     firstPositive(raw.Federation.Concurrency, envOrDefaultInt("DELIVERY_CONCURRENCY", 8)),
		ReceivePath:     firstNonEmpty(raw.Federation.ReceivePath, envOrDefault("RECEIVE_PATH", "/federation/receive")),
		ReplayTTL:       parseDurationOr(raw.Federation.ReplayTTL, envOrDefaultDuration("REPLAY_TTL", 24*time.Hour)),
		MaxBodyBytes:    int64(firstPositive(int(raw.Federation.MaxBodyBytes), envOrDefaultInt("MAX_BODY_BYTES", 32<<20))),
		AttachmentsDir:  firstNonEmpty(raw.Storage.AttachmentsDir, envOrDefault("ATTACHMENTS_DIR", "/app/data/objects")),
		Port:            firstPositive(raw.Port, envOrDefaultInt("PORT", 8080)),
		AdminAddr:       firstNonEmpty(raw.Admin.Listen, envOrDefault("ADMIN_LISTEN", "127.0.0.1:8081")),
		AdminToken:      strings.TrimSpace(firstNonEmpty(raw.Admin.Token, os.Getenv("ADMIN_TOKEN"))),
	}

	level, err := parseLevel(firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info")))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.OwnKey != "" && !fedcrypt.ValidateKey(cfg.OwnKey) {
		return nil, fmt.Errorf("federation.symmetric_key: %w", fedcrypt.ErrInvalidKey)
	}
	if !strings.HasPrefix(cfg.ReceivePath, "/") {
		cfg.ReceivePath = "/" + cfg.ReceivePath
	}

	for _, p := range raw.Federation.SiteList {
		p.APIHost = strings.TrimSpace(p.APIHost)

		// Skip peers with missing domains or malformed keys. Domains are
		// normalized like recipient domains so Classify can match them.
		domain, err := site.NormalizeDomain(p.Domain)
		if err != nil || !fedcrypt.ValidateKey(p.Key) {
			slog.Warn("skipping invalid static federation peer", "domain", p.Domain)
			continue
		}
		p.Domain = domain
		if p.APIHost == "" {
			p.APIHost = p.Domain
		}
		cfg.StaticPeers = append(cfg.StaticPeers, p)
	}

	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
