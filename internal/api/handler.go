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

// Package api serves the administrative CRUD surface of the federation
// site registry. Every response is a {code, msg, data} result whose code
// matches the HTTP status; messages are localized from Accept-Language.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/text/language"

	"github.com/bcem/federation/internal/fedcrypt"
	"github.com/bcem/federation/internal/i18n"
	"github.com/bcem/federation/internal/models"
	"github.com/bcem/federation/internal/site"
)

const maxAdminBody = 1 << 20

// Registry is the subset of *site.Registry the handlers use.
type Registry interface {
	Add(ctx context.Context, in site.NewSite) (*site.Site, error)
	Update(ctx context.Context, id int64, u site.Update) (*site.Site, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*site.Site, error)
	List(ctx context.Context, q site.ListQuery) (*site.Page, error)
}

// Handler serves /federation-site/*.
type Handler struct {
	registry Registry
}

// NewHandler creates the admin handler.
func NewHandler(registry Registry) *Handler {
	return &Handler{registry: registry}
}

// Register mounts the admin routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /federation-site/list", h.list)
	mux.HandleFunc("GET /federation-site/get", h.get)
	mux.HandleFunc("POST /federation-site/add", h.add)
	mux.HandleFunc("PUT /federation-site/update", h.update)
	mux.HandleFunc("DELETE /federation-site/delete", h.delete)
	mux.HandleFunc("GET /federation-site/generate-key", h.generateKey)
	mux.HandleFunc("POST /federation-site/validate-key", h.validateKey)
}

type addRequest struct {
	Domain       string `json:"domain"`
	Name         string `json:"name"`
	SymmetricKey string `json:"symmetricKey"`
	APIHost      string `json:"apiDomain"`
	Status       *int   `json:"status"`
	SortOrder    *int   `json:"sort"`
}

type updateRequest struct {
	ID           int64   `json:"id"`
	Domain       *string `json:"domain"`
	Name         *string `json:"name"`
	SymmetricKey *string `json:"symmetricKey"`
	APIHost      *string `json:"apiDomain"`
	Status       *int    `json:"status"`
	SortOrder    *int    `json:"sort"`
}

type keyRequest struct {
	SymmetricKey string `json:"symmetricKey"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	lang := i18n.FromRequest(r)
	q := r.URL.Query()

	lq := site.ListQuery{Keyword: q.Get("keyword")}
	lq.Page, _ = strconv.Atoi(q.Get("page"))
	lq.PageSize, _ = strconv.Atoi(q.Get("size"))
	if s := q.Get("status"); s != "" {
		status, err := strconv.Atoi(s)
		if err != nil {
			writeResult(w, models.Fail(http.StatusBadRequest, i18n.T(lang, i18n.MsgInvalidField, "status", s)))
			return
		}
		lq.Status = &status
	}

	page, err := h.registry.List(r.Context(), lq)
	if err != nil {
		h.fail(w, lang, "list", err)
		return
	}
	for i := range page.List {
		page.List[i].SymmetricKey = maskKey(page.List[i].SymmetricKey)
	}
	writeResult(w, models.OK(page))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	lang := i18n.FromRequest(r)
	id, ok := queryID(w, r, lang)
	if !ok {
		return
	}
	s, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.fail(w, lang, "get", err)
		return
	}
	writeResult(w, models.OK(s))
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	lang := i18n.FromRequest(r)
	var req addRequest
	if !decode(w, r, lang, &req) {
		return
	}
	s, err := h.registry.Add(r.Context(), site.NewSite{
		Domain:       req.Domain,
		Name:         req.Name,
		SymmetricKey: req.SymmetricKey,
		APIHost:      req.APIHost,
		Status:       req.Status,
		SortOrder:    req.SortOrder,
	})
	if err != nil {
		h.fail(w, lang, "add", err)
		return
	}
	slog.Info("federation site added", "id", s.ID, "domain", s.Domain)
	writeResult(w, models.OK(s))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	lang := i18n.FromRequest(r)
	var req updateRequest
	if !decode(w, r, lang, &req) {
		return
	}
	if req.ID <= 0 {
		writeResult(w, models.Fail(http.StatusBadRequest, i18n.T(lang, i18n.MsgInvalidID)))
		return
	}
	s, err := h.registry.Update(r.Context(), req.ID, site.Update{
		Domain:       req.Domain,
		Name:         req.Name,
		SymmetricKey: req.SymmetricKey,
		APIHost:      req.APIHost,
		Status:       req.Status,
		SortOrder:    req.SortOrder,
	})
	if err != nil {
		h.fail(w, lang, "update", err)
		return
	}
	slog.Info("federation site updated", "id", s.ID, "domain", s.Domain)
	writeResult(w, models.OK(s))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	lang := i18n.FromRequest(r)
	id, ok := queryID(w, r, lang)
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), id); err != nil {
		h.fail(w, lang, "delete", err)
		return
	}
	slog.Info("federation site deleted", "id", id)
	writeResult(w, models.OK(map[string]string{"message": i18n.T(lang, i18n.MsgDeleted)}))
}

func (h *Handler) generateKey(w http.ResponseWriter, r *http.Request) {
	key, err := fedcrypt.GenerateKey()
	if err != nil {
		slog.Error("generate federation key failed", "error", err)
		writeResult(w, models.Fail(http.StatusInternalServerError, i18n.T(i18n.FromRequest(r), i18n.MsgKeyGenerateErr)))
		return
	}
	writeResult(w, models.OK(map[string]string{"symmetricKey": key}))
}

func (h *Handler) validateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, i18n.FromRequest(r), &req) {
		return
	}
	writeResult(w, models.OK(map[string]bool{"isValid": fedcrypt.ValidateKey(req.SymmetricKey)}))
}

// maskKey keeps only the ends of a key so listings can tell keys apart.
// The full key is served by get alone.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "********" + key[len(key)-4:]
}

// fail maps registry errors onto result codes.
func (h *Handler) fail(w http.ResponseWriter, lang language.Tag, op string, err error) {
	var ve *site.ValidationError
	switch {
	case errors.As(err, &ve):
		writeResult(w, models.Fail(http.StatusBadRequest, i18n.T(lang, i18n.MsgInvalidField, ve.Field, ve.Reason)))
	case errors.Is(err, site.ErrNotFound):
		writeResult(w, models.Fail(http.StatusNotFound, i18n.T(lang, i18n.MsgSiteNotFound)))
	case errors.Is(err, site.ErrConflict):
		writeResult(w, models.Fail(http.StatusConflict, i18n.T(lang, i18n.MsgDomainExists)))
	default:
		slog.Error("federation site operation failed", "op", op, "error", err)
		writeResult(w, models.Fail(http.StatusInternalServerError, i18n.T(lang, i18n.MsgInternal)))
	}
}

func queryID(w http.ResponseWriter, r *http.Request, lang language.Tag) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		writeResult(w, models.Fail(http.StatusBadRequest, i18n.T(lang, i18n.MsgInvalidID)))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, lang language.Tag, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(v); err != nil {
		writeResult(w, models.Fail(http.StatusBadRequest, i18n.T(lang, i18n.MsgInvalidBody)))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res models.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	json.NewEncoder(w).Encode(res)
}
