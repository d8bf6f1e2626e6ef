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

package site

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex serializes writes so
// the domain check and the write are atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   []Site
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, s Site) (*Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.domainTaken(s.Domain, 0) {
		return nil, ErrConflict
	}
	m.nextID++
	s.ID = m.nextID
	s.IsDeleted = false
	m.rows = append(m.rows, s)
	out := s
	return &out, nil
}

func (m *MemoryStore) Update(_ context.Context, id int64, u Update, now time.Time) (*Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	row := m.rows[i]
	if u.Domain != nil && *u.Domain != row.Domain {
		if m.domainTaken(*u.Domain, id) {
			return nil, ErrConflict
		}
		row.Domain = *u.Domain
	}
	if u.Name != nil {
		row.Name = *u.Name
	}
	if u.SymmetricKey != nil {
		row.SymmetricKey = *u.SymmetricKey
	}
	if u.APIHost != nil {
		row.APIHost = *u.APIHost
	}
	if u.Status != nil {
		row.Status = *u.Status
	}
	if u.SortOrder != nil {
		row.SortOrder = *u.SortOrder
	}
	row.UpdatedAt = now
	m.rows[i] = row
	return &row, nil
}

func (m *MemoryStore) SoftDelete(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	m.rows[i].IsDeleted = true
	m.rows[i].UpdatedAt = now
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.indexOf(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	out := m.rows[i]
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context, q ListQuery) ([]Site, int, error) {
	m.mu.RLock()
	var matched []Site
	for _, r := range m.rows {
		if r.IsDeleted {
			continue
		}
		if q.Status != nil && r.Status != *q.Status {
			continue
		}
		if q.Keyword != "" && !strings.Contains(r.Domain, q.Keyword) {
			continue
		}
		matched = append(matched, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].SortOrder != matched[j].SortOrder {
			return matched[i].SortOrder < matched[j].SortOrder
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return []Site{}, total, nil
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) ActiveSites(_ context.Context) ([]ActiveSite, error) {
	m.mu.RLock()
	var active []Site
	for _, r := range m.rows {
		if !r.IsDeleted && r.Status == StatusEnabled {
			active = append(active, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(active, func(i, j int) bool { return active[i].SortOrder < active[j].SortOrder })

	out := make([]ActiveSite, 0, len(active))
	for _, r := range active {
		out = append(out, ActiveSite{Domain: r.Domain, Key: r.SymmetricKey, APIHost: r.Host()})
	}
	return out, nil
}

func (m *MemoryStore) SiteByDomain(_ context.Context, domain string) (*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rows {
		if !r.IsDeleted && r.Status == StatusEnabled && r.Domain == domain {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) indexOf(id int64) int {
	for i, r := range m.rows {
		if r.ID == id && !r.IsDeleted {
			return i
		}
	}
	return -1
}

// domainTaken reports whether a live row other than exceptID owns domain.
func (m *MemoryStore) domainTaken(domain string, exceptID int64) bool {
	for _, r := range m.rows {
		if !r.IsDeleted && r.Domain == domain && r.ID != exceptID {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
