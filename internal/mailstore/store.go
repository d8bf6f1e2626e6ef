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

// Package mailstore is the Postgres-backed account and mailbox store used
// by the inbound receiver.
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/federation/internal/receiver"
)

// Mail types stored in emails.type.
const (
	TypeReceived = "receive"
)

// Store reads accounts and writes received mail.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ receiver.AccountStore = (*Store)(nil)
	_ receiver.MailboxStore = (*Store)(nil)
)

// NewStore creates a mailbox store and ensures its tables exist.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mailbox schema: %w", err)
	}
	slog.Info("mailbox store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id         BIGSERIAL PRIMARY KEY,
			user_id    BIGINT NOT NULL,
			email      TEXT NOT NULL,
			status     INTEGER NOT NULL DEFAULT 0,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_live_email
			ON accounts(lower(email)) WHERE NOT is_deleted;

		CREATE TABLE IF NOT EXISTS emails (
			id            BIGSERIAL PRIMARY KEY,
			message_id    TEXT NOT NULL UNIQUE,
			account_id    BIGINT NOT NULL REFERENCES accounts(id),
			user_id       BIGINT NOT NULL,
			to_email      TEXT NOT NULL,
			send_email    TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			sender_domain TEXT NOT NULL DEFAULT '',
			subject       TEXT NOT NULL,
			content       TEXT NOT NULL,
			text          TEXT NOT NULL DEFAULT '',
			type          TEXT NOT NULL,
			sent_at       TIMESTAMPTZ,
			received_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_account ON emails(account_id, received_at DESC);

		CREATE TABLE IF NOT EXISTS attachments (
			id          BIGSERIAL PRIMARY KEY,
			email_id    BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			account_id  BIGINT NOT NULL,
			user_id     BIGINT NOT NULL,
			filename    TEXT NOT NULL,
			mime_type   TEXT NOT NULL DEFAULT '',
			storage_key TEXT NOT NULL,
			size_bytes  BIGINT NOT NULL DEFAULT 0,
			content_id  TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id);
	`)
	return err
}

// FindActiveAccountByEmail returns the live, enabled account for email, or
// (nil, nil) when there is none.
func (s *Store) FindActiveAccountByEmail(ctx context.Context, email string) (*receiver.Account, error) {
	var a receiver.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, email
		FROM accounts
		WHERE lower(email) = lower($1) AND NOT is_deleted AND status = 0
	`, strings.TrimSpace(email)).Scan(&a.ID, &a.UserID, &a.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account %s: %w", email, err)
	}
	return &a, nil
}

// InsertReceivedMail stores rec and returns its id.
func (s *Store) InsertReceivedMail(ctx context.Context, rec *receiver.MailRecord) (int64, error) {
	var sentAt *time.Time
	if !rec.SentAt.IsZero() {
		sentAt = &rec.SentAt
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO emails
			(message_id, account_id, user_id, to_email, send_email, name,
			 sender_domain, subject, content, text, type, sent_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, rec.MessageID, rec.AccountID, rec.UserID, rec.ToEmail, rec.FromEmail, rec.DisplayName,
		rec.SenderDomain, rec.Subject, rec.Content, rec.Text, TypeReceived, sentAt, rec.ReceivedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert email %s: %w", rec.MessageID, err)
	}
	return id, nil
}

// InsertAttachment stores one attachment row.
func (s *Store) InsertAttachment(ctx context.Context, rec *receiver.AttachmentRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attachments
			(email_id, account_id, user_id, filename, mime_type, storage_key,
			 size_bytes, content_id, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.EmailID, rec.AccountID, rec.UserID, rec.Filename, rec.MimeType, rec.StorageKey,
		rec.SizeBytes, rec.ContentID, rec.Kind)
	if err != nil {
		return fmt.Errorf("insert attachment %s: %w", rec.Filename, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
