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

// Federation service
//
// Entry point for the mail federation service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (site registry, mailbox) and Redis (replay guard, events)
//  3. Serves the inbound receive endpoint for peer sites
//  4. Serves the admin API for the site registry on a separate, token-gated listener
//  5. Exposes /health and /metrics
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/federation/internal/api"
	"github.com/bcem/federation/internal/config"
	"github.com/bcem/federation/internal/dedup"
	"github.com/bcem/federation/internal/mailstore"
	"github.com/bcem/federation/internal/objectstore"
	"github.com/bcem/federation/internal/queue"
	"github.com/bcem/federation/internal/receiver"
	"github.com/bcem/federation/internal/server"
	"github.com/bcem/federation/internal/settings"
	"github.com/bcem/federation/internal/site"
)

func main() {
	// Structured JSON logging; level is raised or lowered once config is read.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting federation service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	slog.Info("configuration loaded",
		"receive_path", cfg.ReceivePath,
		"static_peers", len(cfg.StaticPeers),
		"replay_ttl", cfg.ReplayTTL,
		"own_key_set", cfg.OwnKey != "",
	)
	if cfg.OwnKey == "" {
		slog.Warn("federation.symmetric_key is not set; inbound mail will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.ReceivedQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	siteStore, err := site.NewPostgresStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise federation site store", "error", err)
		os.Exit(1)
	}
	registry := site.NewRegistry(siteStore)

	mailbox, err := mailstore.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise mailbox store", "error", err)
		os.Exit(1)
	}

	objects, err := objectstore.NewFS(cfg.AttachmentsDir)
	if err != nil {
		slog.Error("failed to initialise object store", "error", err)
		os.Exit(1)
	}

	provider := settings.NewProvider(cfg.OwnKey, registry, cfg.StaticPeers)

	// --- Receiver ---
	recv := receiver.New(receiver.Config{
		Accounts: mailbox,
		Keys:     provider,
		Mailbox:  mailbox,
		Objects:  objects,
		Replay:   dedup.NewFilter(rdb, cfg.ReplayTTL),
		Events:   publisher,
	})

	mux := server.NewMux(server.Routes{
		ReceivePath: cfg.ReceivePath,
		Receive:     receiver.NewHandler(recv, cfg.MaxBodyBytes).ServeReceive,
		Checks: map[string]server.Pinger{
			"postgres": mailbox,
			"redis":    publisher,
		},
	})

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	ready, done, err := server.Serve(ctx, fmt.Sprintf(":%d", cfg.Port), mux)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}

	// --- Admin API ---
	var adminDone <-chan struct{}
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin API disabled")
	} else {
		adminHandler := server.NewAdminHandler(api.NewHandler(registry), cfg.AdminToken)
		var adminReady <-chan struct{}
		adminReady, adminDone, err = server.Serve(ctx, cfg.AdminAddr, adminHandler)
		if err != nil {
			slog.Error("failed to start admin server", "error", err)
			os.Exit(1)
		}
		<-adminReady
	}

	<-ready
	slog.Info("federation service ready", "port", cfg.Port, "admin", cfg.AdminAddr)

	<-done
	if adminDone != nil {
		<-adminDone
	}
	slog.Info("federation service stopped")
}
