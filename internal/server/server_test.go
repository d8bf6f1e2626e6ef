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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeAdmin struct{}

func (fakeAdmin) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /federation-site/list", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("admin"))
	})
}

func newTestMux(dbErr error) *http.ServeMux {
	return NewMux(Routes{
		ReceivePath: "/federation/receive",
		Receive: func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("receive"))
		},
		Checks: map[string]Pinger{
			"postgres": pingFunc(func(context.Context) error { return dbErr }),
			"redis":    pingFunc(func(context.Context) error { return nil }),
		},
	})
}

func TestNewMux_Routes(t *testing.T) {
	mux := newTestMux(nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/federation/receive", nil))
	if rr.Body.String() != "receive" {
		t.Errorf("receive body = %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/federation-site/list", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("admin route on public mux: status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rr.Code)
	}
}

func TestAdminHandler_RequiresBearer(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		auth   string
		status int
	}{
		{"no header", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"unconfigured token", "", "Bearer ", http.StatusUnauthorized},
		{"valid token", "s3cret", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAdminHandler(fakeAdmin{}, tt.token)
			req := httptest.NewRequest(http.MethodGet, "/federation-site/list", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if tt.status == http.StatusOK {
				if rr.Body.String() != "admin" {
					t.Errorf("body = %q", rr.Body.String())
				}
				return
			}
			var res struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}
			json.Unmarshal(rr.Body.Bytes(), &res)
			if res.Code != http.StatusUnauthorized || res.Msg != "missing or invalid admin token" {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		dbErr  error
		status int
		pg     string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"database down", errors.New("connection refused"), http.StatusServiceUnavailable, "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newTestMux(tt.dbErr).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			var body struct {
				Checks map[string]string `json:"checks"`
			}
			json.Unmarshal(rr.Body.Bytes(), &body)
			if body.Checks["postgres"] != tt.pg || body.Checks["redis"] != "ok" {
				t.Errorf("checks = %v", body.Checks)
			}
		})
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready, done, err := Serve(ctx, "127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	}))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-ready
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
