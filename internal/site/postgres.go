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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const siteColumns = `id, domain, name, symmetric_key, api_host, status,
		       sort_order, is_deleted, created_at, updated_at`

// PostgresStore persists sites in the federation_sites table. Domain
// uniqueness among live rows is enforced by a partial unique index, so
// concurrent inserts of the same domain cannot both succeed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool and ensures the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure federation site schema: %w", err)
	}
	slog.Info("federation site store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS federation_sites (
			id            BIGSERIAL PRIMARY KEY,
			domain        TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			symmetric_key TEXT NOT NULL,
			api_host      TEXT NOT NULL DEFAULT '',
			status        INTEGER NOT NULL DEFAULT 1,
			sort_order    INTEGER NOT NULL DEFAULT 0,
			is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_fed_sites_live_domain
			ON federation_sites(domain) WHERE NOT is_deleted;
		CREATE INDEX IF NOT EXISTS idx_fed_sites_status ON federation_sites(status);
		CREATE INDEX IF NOT EXISTS idx_fed_sites_deleted ON federation_sites(is_deleted);
	`)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, r Site) (*Site, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO federation_sites
			(domain, name, symmetric_key, api_host, status, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+siteColumns,
		r.Domain, r.Name, r.SymmetricKey, r.APIHost, r.Status, r.SortOrder, r.CreatedAt, r.UpdatedAt)

	out, err := scanSite(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id int64, u Update, now time.Time) (*Site, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE federation_sites SET
			domain        = COALESCE($2, domain),
			name          = COALESCE($3, name),
			symmetric_key = COALESCE($4, symmetric_key),
			api_host      = COALESCE($5, api_host),
			status        = COALESCE($6, status),
			sort_order    = COALESCE($7, sort_order),
			updated_at    = $8
		WHERE id = $1 AND NOT is_deleted
		RETURNING `+siteColumns,
		id, u.Domain, u.Name, u.SymmetricKey, u.APIHost, u.Status, u.SortOrder, now)

	out, err := scanSite(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return out, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE federation_sites
		SET is_deleted = TRUE, updated_at = $2
		WHERE id = $1 AND NOT is_deleted
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Site, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+siteColumns+`
		FROM federation_sites
		WHERE id = $1 AND NOT is_deleted
	`, id)
	out, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *PostgresStore) List(ctx context.Context, q ListQuery) ([]Site, int, error) {
	where := []string{"NOT is_deleted"}
	var args []any
	if q.Status != nil {
		args = append(args, *q.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Keyword != "" {
		args = append(args, "%"+escapeLike(q.Keyword)+"%")
		where = append(where, fmt.Sprintf(`domain LIKE $%d ESCAPE '\'`, len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM federation_sites WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM federation_sites
		WHERE %s
		ORDER BY sort_order ASC, created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, siteColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sites, err := collectSites(rows)
	return sites, total, err
}

func (s *PostgresStore) ActiveSites(ctx context.Context) ([]ActiveSite, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, symmetric_key, COALESCE(NULLIF(api_host, ''), domain)
		FROM federation_sites
		WHERE status = 1 AND NOT is_deleted
		ORDER BY sort_order ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveSite
	for rows.Next() {
		var a ActiveSite
		if err := rows.Scan(&a.Domain, &a.Key, &a.APIHost); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SiteByDomain(ctx context.Context, domain string) (*Site, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+siteColumns+`
		FROM federation_sites
		WHERE domain = $1 AND status = 1 AND NOT is_deleted
	`, domain)
	out, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

// mapWriteError translates driver errors from INSERT/UPDATE ... RETURNING.
func mapWriteError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanSite(row pgx.Row) (*Site, error) {
	var r Site
	if err := row.Scan(
		&r.ID, &r.Domain, &r.Name, &r.SymmetricKey, &r.APIHost, &r.Status,
		&r.SortOrder, &r.IsDeleted, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectSites(rows pgx.Rows) ([]Site, error) {
	var sites []Site
	for rows.Next() {
		var r Site
		if err := rows.Scan(
			&r.ID, &r.Domain, &r.Name, &r.SymmetricKey, &r.APIHost, &r.Status,
			&r.SortOrder, &r.IsDeleted, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sites = append(sites, r)
	}
	return sites, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
