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

// Package site is the registry of federated peer sites. Registry applies
// validation and normalization and delegates persistence to a Store, which
// owns the atomic domain-uniqueness guarantee.
package site

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/bcem/federation/internal/fedcrypt"
)

// Status values.
const (
	StatusDisabled = 0
	StatusEnabled  = 1
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("domain already registered")
	ErrNotFound   = errors.New("federation site not found")
)

// ValidationError names the offending field. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Site is one registered peer.
type Site struct {
	ID           int64     `json:"id"`
	Domain       string    `json:"domain"`
	Name         string    `json:"name"`
	SymmetricKey string    `json:"symmetricKey"`
	APIHost      string    `json:"apiDomain,omitempty"`
	Status       int       `json:"status"`
	SortOrder    int       `json:"sort"`
	IsDeleted    bool      `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ActiveSite is the minimal tuple read on every outbound send.
type ActiveSite struct {
	Domain  string `json:"domain"`
	Key     string `json:"key"`
	APIHost string `json:"api"`
}

// NewSite holds the fields accepted by Add. Status and SortOrder are
// pointers so an omitted status defaults to enabled.
type NewSite struct {
	Domain       string
	Name         string
	SymmetricKey string
	APIHost      string
	Status       *int
	SortOrder    *int
}

// Update carries a partial update; nil fields are left untouched.
type Update struct {
	Domain       *string
	Name         *string
	SymmetricKey *string
	APIHost      *string
	Status       *int
	SortOrder    *int
}

// ListQuery filters a page of sites.
type ListQuery struct {
	Page     int
	PageSize int
	Status   *int
	Keyword  string
}

// Page is one page of List results.
type Page struct {
	List       []Site `json:"list"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	Size       int    `json:"size"`
	TotalPages int    `json:"totalPages"`
}

// Store persists sites. Insert and Update must return ErrConflict when
// another non-deleted row owns the domain, atomically with the write.
// Every method ignores soft-deleted rows.
type Store interface {
	Insert(ctx context.Context, s Site) (*Site, error)
	Update(ctx context.Context, id int64, u Update, now time.Time) (*Site, error)
	SoftDelete(ctx context.Context, id int64, now time.Time) error
	Get(ctx context.Context, id int64) (*Site, error)
	List(ctx context.Context, q ListQuery) ([]Site, int, error)
	ActiveSites(ctx context.Context) ([]ActiveSite, error)
	SiteByDomain(ctx context.Context, domain string) (*Site, error)
}

// Registry validates registry operations before handing them to a Store.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Add validates and inserts a new site.
func (r *Registry) Add(ctx context.Context, in NewSite) (*Site, error) {
	if strings.TrimSpace(in.Domain) == "" {
		return nil, &ValidationError{Field: "domain", Reason: "required"}
	}
	if in.SymmetricKey == "" {
		return nil, &ValidationError{Field: "symmetricKey", Reason: "required"}
	}
	if !fedcrypt.ValidateKey(in.SymmetricKey) {
		return nil, &ValidationError{Field: "symmetricKey", Reason: fedcrypt.ErrInvalidKey.Error()}
	}

	domain, err := NormalizeDomain(in.Domain)
	if err != nil {
		return nil, &ValidationError{Field: "domain", Reason: err.Error()}
	}
	apiHost, err := normalizeAPIHost(in.APIHost)
	if err != nil {
		return nil, err
	}

	status := StatusEnabled
	if in.Status != nil {
		if status, err = checkStatus(*in.Status); err != nil {
			return nil, err
		}
	}
	sort := 0
	if in.SortOrder != nil {
		sort = *in.SortOrder
	}

	now := r.now().UTC()
	return r.store.Insert(ctx, Site{
		Domain:       domain,
		Name:         strings.TrimSpace(in.Name),
		SymmetricKey: in.SymmetricKey,
		APIHost:      apiHost,
		Status:       status,
		SortOrder:    sort,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// Update applies a partial update to an active site.
func (r *Registry) Update(ctx context.Context, id int64, u Update) (*Site, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}

	if u.Domain != nil {
		d, err := NormalizeDomain(*u.Domain)
		if err != nil {
			return nil, &ValidationError{Field: "domain", Reason: err.Error()}
		}
		u.Domain = &d
	}
	if u.SymmetricKey != nil && !fedcrypt.ValidateKey(*u.SymmetricKey) {
		return nil, &ValidationError{Field: "symmetricKey", Reason: fedcrypt.ErrInvalidKey.Error()}
	}
	if u.APIHost != nil {
		h, err := normalizeAPIHost(*u.APIHost)
		if err != nil {
			return nil, err
		}
		u.APIHost = &h
	}
	if u.Name != nil {
		n := strings.TrimSpace(*u.Name)
		u.Name = &n
	}
	if u.Status != nil {
		if _, err := checkStatus(*u.Status); err != nil {
			return nil, err
		}
	}

	return r.store.Update(ctx, id, u, r.now().UTC())
}

// Delete soft-deletes an active site.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	return r.store.SoftDelete(ctx, id, r.now().UTC())
}

// Get returns one active site.
func (r *Registry) Get(ctx context.Context, id int64) (*Site, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}
	return r.store.Get(ctx, id)
}

// List returns a page of active sites ordered by sort order then newest.
func (r *Registry) List(ctx context.Context, q ListQuery) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	q.Keyword = strings.ToLower(strings.TrimSpace(q.Keyword))

	sites, total, err := r.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	if sites == nil {
		sites = []Site{}
	}
	return &Page{
		List:       sites,
		Total:      total,
		Page:       q.Page,
		Size:       q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

// ActiveSites returns every enabled, non-deleted site ordered by sort order.
func (r *Registry) ActiveSites(ctx context.Context) ([]ActiveSite, error) {
	return r.store.ActiveSites(ctx)
}

// SiteByDomain looks up an enabled site by domain. It returns (nil, nil)
// when the domain is not federated.
func (r *Registry) SiteByDomain(ctx context.Context, domain string) (*Site, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, nil
	}
	return r.store.SiteByDomain(ctx, d)
}

// NormalizeDomain lower-cases a domain and converts it to its IDNA ASCII
// form so lookups compare like with like.
func NormalizeDomain(s string) (string, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return "", errors.New("empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("to ascii: %w", err)
	}
	return strings.ToLower(ascii), nil
}

// DomainOf returns the normalized domain part of an email address.
func DomainOf(email string) (string, error) {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return "", fmt.Errorf("address %q has no domain", email)
	}
	return NormalizeDomain(email[at+1:])
}

// normalizeAPIHost accepts host or host:port. Empty means "use the domain".
func normalizeAPIHost(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.Contains(s, "/") {
		return "", &ValidationError{Field: "apiDomain", Reason: "must be a host name, not a URL"}
	}
	host, port := s, ""
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		host, port = s[:i], s[i:]
	}
	h, err := NormalizeDomain(host)
	if err != nil {
		return "", &ValidationError{Field: "apiDomain", Reason: err.Error()}
	}
	return h + port, nil
}

func checkStatus(s int) (int, error) {
	if s != StatusEnabled && s != StatusDisabled {
		return 0, &ValidationError{Field: "status", Reason: "must be 0 or 1"}
	}
	return s, nil
}

// Host returns the delivery host: the API host override or the domain.
func (s Site) Host() string {
	if s.APIHost != "" {
		return s.APIHost
	}
	return s.Domain
}
