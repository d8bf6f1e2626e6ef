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

// Package server assembles the federation HTTP surface. The public mux
// carries the inbound receive endpoint, health and metrics; the admin
// registry API is served on its own listener behind a bearer token.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcem/federation/internal/i18n"
	"github.com/bcem/federation/internal/models"
)

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registrar mounts a set of routes.
type Registrar interface {
	Register(mux *http.ServeMux)
}

// Routes are the handlers mounted by NewMux.
type Routes struct {
	ReceivePath string
	Receive     http.HandlerFunc
	Checks      map[string]Pinger
}

// NewMux builds the public service mux.
func NewMux(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(rt.ReceivePath, rt.Receive)
	mux.HandleFunc("GET /health", healthHandler(rt.Checks))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// NewAdminHandler mounts admin behind RequireBearer.
func NewAdminHandler(admin Registrar, token string) http.Handler {
	mux := http.NewServeMux()
	admin.Register(mux)
	return RequireBearer(token, mux)
}

// RequireBearer refuses requests whose Authorization header is not
// "Bearer <token>". An empty token refuses everything.
func RequireBearer(token string, next http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare(got, want) != 1 {
			slog.Warn("admin request refused", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="federation-admin"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(models.Fail(http.StatusUnauthorized, i18n.T(i18n.FromRequest(r), i18n.MsgUnauthorized)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthHandler reports 200 when every check passes and 503 otherwise.
func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, c := range checks {
			if err := c.Ping(r.Context()); err != nil {
				slog.Warn("health check failed", "check", name, "error", err)
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": http.StatusText(status),
			"checks": results,
		})
	}
}

// Serve starts an HTTP server on addr.
// It binds the address immediately and signals readiness via the returned channel
// before starting to accept connections. The server shuts down gracefully
// when ctx is cancelled; done is closed once it has stopped.
func Serve(ctx context.Context, addr string, handler http.Handler) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down", "addr", ln.Addr().String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown incomplete", "error", err)
			server.Close()
		}
	}()

	go func() {
		defer close(doneCh)
		slog.Info("http server listening", "addr", ln.Addr().String())
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
