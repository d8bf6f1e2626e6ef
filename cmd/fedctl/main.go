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

// fedctl is the operator CLI for mail federation: key generation and
// validation, site registry maintenance and test deliveries.
//
// Usage:
//
//	fedctl keygen
//	fedctl validate-key <hex>
//	fedctl sites list [--status 1] [--keyword peer]
//	fedctl sites add --domain peer.example --key <hex> [--api api.peer.example]
//	fedctl sites delete <id>
//	fedctl send --from me@home.example --to you@peer.example --subject hi --text hello
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bcem/federation/internal/config"
	"github.com/bcem/federation/internal/site"
)

// env is what commands need from the outside world. Tests replace it.
type env struct {
	out        io.Writer
	loadConfig func() (*config.Config, error)
	openSites  func(ctx context.Context, cfg *config.Config) (*site.Registry, func(), error)
	httpClient *http.Client
}

func defaultEnv() *env {
	return &env{
		out:        os.Stdout,
		loadConfig: config.Load,
		openSites:  openPostgresRegistry,
		httpClient: http.DefaultClient,
	}
}

func openPostgresRegistry(ctx context.Context, cfg *config.Config) (*site.Registry, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store, err := site.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return site.NewRegistry(store), pool.Close, nil
}

// NewRootCommand builds the fedctl command tree.
func NewRootCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fedctl",
		Short:         "Manage mail federation keys and peer sites",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(e.out)

	cmd.AddCommand(
		newKeygenCommand(e),
		newValidateKeyCommand(e),
		newSitesCommand(e),
		newSendCommand(e),
	)
	return cmd
}

func main() {
	// CLI logs go to stderr so command output stays parseable.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := NewRootCommand(defaultEnv()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
