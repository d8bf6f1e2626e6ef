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

// Package receiver accepts encrypted mail from federated peer sites. A
// request names one local recipient; its decrypted envelope may carry
// payloads for several recipients of the same peer group, and only the
// ones addressed to this request's recipient are stored.
package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/federation/internal/attachment"
	"github.com/bcem/federation/internal/fedcrypt"
	"github.com/bcem/federation/internal/models"
	"github.com/bcem/federation/internal/site"
)

var (
	// ErrBadRequest is returned for requests missing required fields or
	// whose decrypted body is not a payload.
	ErrBadRequest = errors.New("bad request")
	// ErrRecipientNotFound is returned when toEmail is not a local active
	// account. Nothing is stored.
	ErrRecipientNotFound = errors.New("recipient not found")
)

// Item skip reasons.
const (
	ReasonMalformed      = "malformed"
	ReasonMissingSubject = "missing_subject"
	ReasonMissingContent = "missing_content"
	ReasonMissingFrom    = "missing_from"
	ReasonOtherRecipient = "other_recipient"
)

const defaultUploadConcurrency = 4

// Account is a local mailbox account.
type Account struct {
	ID     int64
	UserID int64
	Email  string
}

// MailRecord is one received mail as persisted locally.
type MailRecord struct {
	MessageID    string
	AccountID    int64
	UserID       int64
	ToEmail      string
	FromEmail    string
	DisplayName  string
	SenderDomain string
	Subject      string
	Content      string
	Text         string
	SentAt       time.Time
	ReceivedAt   time.Time
}

// AttachmentRecord references stored attachment bytes from a mail record.
type AttachmentRecord struct {
	EmailID    int64
	AccountID  int64
	UserID     int64
	Filename   string
	MimeType   string
	StorageKey string
	SizeBytes  int64
	ContentID  string
	Kind       string
}

// AccountStore resolves local recipients. FindActiveAccountByEmail returns
// (nil, nil) when no active account owns the address.
type AccountStore interface {
	FindActiveAccountByEmail(ctx context.Context, email string) (*Account, error)
}

// KeySource returns this site's own symmetric key.
type KeySource interface {
	OwnSymmetricKey(ctx context.Context) (string, error)
}

// MailboxStore persists received mail and its attachment rows.
type MailboxStore interface {
	InsertReceivedMail(ctx context.Context, rec *MailRecord) (int64, error)
	InsertAttachment(ctx context.Context, rec *AttachmentRecord) error
}

// ObjectStore persists attachment bytes under their content-addressed key.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, mimeType, disposition string) error
}

// ReplayGuard remembers envelopes already handled. IsNew marks the id as
// seen; Forget clears it so a failed request can be retried.
type ReplayGuard interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// EventPublisher announces stored mail to downstream workers.
type EventPublisher interface {
	PublishMailReceived(ctx context.Context, ev *models.MailReceived) error
}

// Config holds the collaborators of a Receiver. Replay and Events are
// optional.
type Config struct {
	Accounts          AccountStore
	Keys              KeySource
	Mailbox           MailboxStore
	Objects           ObjectStore
	Replay            ReplayGuard
	Events            EventPublisher
	UploadConcurrency int
}

// Receiver processes inbound federation requests.
type Receiver struct {
	accounts AccountStore
	keys     KeySource
	mailbox  MailboxStore
	objects  ObjectStore
	replay   ReplayGuard
	events   EventPublisher
	uploads  int
	now      func() time.Time
}

// New creates a Receiver.
func New(cfg Config) *Receiver {
	r := &Receiver{
		accounts: cfg.Accounts,
		keys:     cfg.Keys,
		mailbox:  cfg.Mailbox,
		objects:  cfg.Objects,
		replay:   cfg.Replay,
		events:   cfg.Events,
		uploads:  cfg.UploadConcurrency,
		now:      time.Now,
	}
	if r.uploads <= 0 {
		r.uploads = defaultUploadConcurrency
	}
	return r
}

// ItemResult is the outcome of one payload of a batch.
type ItemResult struct {
	Index              int
	Accepted           bool
	Reason             string // set when skipped
	MessageID          string
	EmailID            int64
	Attachments        int
	AttachmentsSkipped int
}

// Report summarises one request. It is for logs and tests; the peer only
// sees the aggregate acknowledgement.
type Report struct {
	SenderDomain string
	ToEmail      string
	Duplicate    bool
	Items        []ItemResult
}

// Accepted counts stored items.
func (r *Report) Accepted() int {
	n := 0
	for _, it := range r.Items {
		if it.Accepted {
			n++
		}
	}
	return n
}

// Skipped counts items that were not stored.
func (r *Report) Skipped() int {
	return len(r.Items) - r.Accepted()
}

// Receive validates, decrypts and stores one inbound request. Request-level
// failures (missing fields, unknown recipient, missing key, undecryptable
// envelope) return an error and store nothing. Item-level problems are
// recorded in the Report and never fail the request.
func (r *Receiver) Receive(ctx context.Context, req models.ReceiveRequest) (*Report, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	account, err := r.accounts.FindActiveAccountByEmail(ctx, req.ToEmail)
	if err != nil {
		return nil, fmt.Errorf("look up recipient: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, req.ToEmail)
	}

	key, err := r.keys.OwnSymmetricKey(ctx)
	if err != nil {
		return nil, err
	}

	plaintext, err := fedcrypt.Decrypt(req.EncryptedData, key)
	if err != nil {
		return nil, err
	}

	items, bad, err := models.DecodePayloads(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	report := &Report{SenderDomain: req.SenderDomain, ToEmail: req.ToEmail}

	replayID := replayKey(req.EncryptedData, req.ToEmail)
	if r.replay != nil {
		isNew, err := r.replay.IsNew(ctx, replayID)
		if err != nil {
			slog.Warn("replay check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Info("duplicate federation envelope acknowledged",
				"sender_domain", req.SenderDomain,
				"to_email", req.ToEmail,
			)
			report.Duplicate = true
			return report, nil
		}
	}

	malformed := make(map[int]bool, len(bad))
	for _, i := range bad {
		malformed[i] = true
	}

	for i, item := range items {
		res := ItemResult{Index: i}
		if malformed[i] {
			res.Reason = ReasonMalformed
		} else {
			res.Reason = skipReason(item, req.ToEmail)
		}
		if res.Reason != "" {
			level := slog.LevelWarn
			if res.Reason == ReasonOtherRecipient {
				// The item is dropped for good; the sender treats the
				// delivery as successful.
				level = slog.LevelError
			}
			slog.Log(ctx, level, "skipping federation payload item",
				"index", i,
				"reason", res.Reason,
				"sender_domain", req.SenderDomain,
				"to_email", req.ToEmail,
				"item_to_email", item.ToEmail,
			)
			metricItems.WithLabelValues(res.Reason).Inc()
			report.Items = append(report.Items, res)
			continue
		}

		if err := r.store(ctx, req, account, item, &res); err != nil {
			if r.replay != nil {
				if ferr := r.replay.Forget(ctx, replayID); ferr != nil {
					slog.Warn("failed to clear replay mark", "error", ferr)
				}
			}
			return report, err
		}
		metricItems.WithLabelValues("accepted").Inc()
		report.Items = append(report.Items, res)
	}

	slog.Info("federation request processed",
		"sender_domain", req.SenderDomain,
		"to_email", req.ToEmail,
		"items", len(items),
		"accepted", report.Accepted(),
		"skipped", report.Skipped(),
	)
	return report, nil
}

func checkRequest(req models.ReceiveRequest) error {
	var missing []string
	if strings.TrimSpace(req.EncryptedData) == "" {
		missing = append(missing, "encryptedData")
	}
	if strings.TrimSpace(req.SenderDomain) == "" {
		missing = append(missing, "senderDomain")
	}
	if strings.TrimSpace(req.ToEmail) == "" {
		missing = append(missing, "toEmail")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrBadRequest, strings.Join(missing, ", "))
	}
	return nil
}

func skipReason(p models.EmailPayload, toEmail string) string {
	switch {
	case p.ToEmail != "" && !sameMailbox(p.ToEmail, toEmail):
		return ReasonOtherRecipient
	case strings.TrimSpace(p.Subject) == "":
		return ReasonMissingSubject
	case strings.TrimSpace(p.Body()) == "":
		return ReasonMissingContent
	case strings.TrimSpace(p.FromEmail) == "":
		return ReasonMissingFrom
	}
	return ""
}

// sameMailbox reports whether a and b reach the same account, ignoring
// case and a "+tag" suffix on the local part.
func sameMailbox(a, b string) bool {
	return mailboxOf(a) == mailboxOf(b)
}

func mailboxOf(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at:]
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	return local + domain
}

// replayKey identifies an envelope delivered to one recipient. The same
// envelope legitimately arrives once per recipient of a peer group.
func replayKey(ciphertext, toEmail string) string {
	sum := sha256.Sum256([]byte(ciphertext))
	return hex.EncodeToString(sum[:]) + ":" + strings.ToLower(strings.TrimSpace(toEmail))
}

// store writes the mail record, then its attachments.
func (r *Receiver) store(ctx context.Context, req models.ReceiveRequest, account *Account, p models.EmailPayload, res *ItemResult) error {
	now := r.now().UTC()

	senderDomain, err := site.DomainOf(p.FromEmail)
	if err != nil {
		senderDomain = strings.ToLower(strings.TrimSpace(req.SenderDomain))
	}

	rec := &MailRecord{
		MessageID:    messageID(senderDomain, now),
		AccountID:    account.ID,
		UserID:       account.UserID,
		ToEmail:      account.Email,
		FromEmail:    p.FromEmail,
		DisplayName:  p.DisplayName,
		SenderDomain: senderDomain,
		Subject:      p.Subject,
		Content:      p.Body(),
		Text:         p.Text,
		ReceivedAt:   now,
	}
	if p.Timestamp > 0 {
		rec.SentAt = time.UnixMilli(p.Timestamp).UTC()
	}

	emailID, err := r.mailbox.InsertReceivedMail(ctx, rec)
	if err != nil {
		return fmt.Errorf("insert received mail: %w", err)
	}
	res.Accepted = true
	res.MessageID = rec.MessageID
	res.EmailID = emailID

	stored, skipped := r.storeAttachments(ctx, account, emailID, p.Attachments, req.AttachmentContents)
	res.Attachments = stored
	res.AttachmentsSkipped = skipped

	slog.Info("stored federated mail",
		"message_id", rec.MessageID,
		"email_id", emailID,
		"sender_domain", senderDomain,
		"to_email", account.Email,
		"attachments", stored,
	)

	if r.events != nil {
		ev := &models.MailReceived{
			EmailID:      emailID,
			MessageID:    rec.MessageID,
			AccountID:    account.ID,
			UserID:       account.UserID,
			ToEmail:      account.Email,
			FromEmail:    p.FromEmail,
			SenderDomain: senderDomain,
			Subject:      p.Subject,
			Attachments:  stored,
			ReceivedAt:   now,
		}
		if err := r.events.PublishMailReceived(ctx, ev); err != nil {
			slog.Error("publish mail received event failed",
				"message_id", rec.MessageID,
				"error", err,
			)
		}
	}
	return nil
}

// messageID is unique per delivery: sender domain, millisecond time and a
// random suffix.
func messageID(domain string, now time.Time) string {
	return fmt.Sprintf("federation-%s-%d-%s", domain, now.UnixMilli(), uuid.NewString())
}

// storeAttachments uploads the attachments whose bytes travelled with the
// request and records them against emailID. Any single failure skips that
// attachment only.
func (r *Receiver) storeAttachments(ctx context.Context, account *Account, emailID int64, meta []models.AttachmentMetadata, contents map[string]string) (stored, skipped int) {
	var mu sync.Mutex
	skip := func(a models.AttachmentMetadata, reason string, err error) {
		slog.Warn("skipping federated attachment",
			"email_id", emailID,
			"filename", a.Filename,
			"reason", reason,
			"error", err,
		)
		metricAttachments.WithLabelValues(reason).Inc()
		mu.Lock()
		skipped++
		mu.Unlock()
	}

	var eg errgroup.Group
	eg.SetLimit(r.uploads)
	for _, a := range meta {
		encoded, ok := contents[a.Filename]
		if !ok {
			skip(a, "bytes_missing", nil)
			continue
		}
		eg.Go(func() error {
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				skip(a, "bad_base64", err)
				return nil
			}

			key := attachment.AddressOf(data, a.Filename)
			if a.StorageKey != "" && a.StorageKey != key {
				slog.Warn("declared attachment key does not match content",
					"filename", a.Filename,
					"declared", a.StorageKey,
					"computed", key,
				)
			}

			disposition := "attachment"
			if a.Kind == models.KindEmbedded {
				disposition = "inline"
			}
			if err := r.objects.PutObject(ctx, key, data, a.MimeType, disposition); err != nil {
				skip(a, "store_failed", err)
				return nil
			}

			rec := &AttachmentRecord{
				EmailID:    emailID,
				AccountID:  account.ID,
				UserID:     account.UserID,
				Filename:   a.Filename,
				MimeType:   a.MimeType,
				StorageKey: key,
				SizeBytes:  int64(len(data)),
				Kind:       a.Kind,
			}
			if rec.Kind == "" {
				rec.Kind = models.KindAttachment
			}
			if rec.Kind == models.KindEmbedded {
				rec.ContentID = a.ContentID
			}
			if err := r.mailbox.InsertAttachment(ctx, rec); err != nil {
				skip(a, "record_failed", err)
				return nil
			}

			metricAttachments.WithLabelValues("stored").Inc()
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return stored, skipped
}
