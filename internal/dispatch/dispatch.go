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

// Package dispatch delivers outbound mail to federated peer sites. It
// splits external recipients into federated and ordinary ones, encrypts
// one envelope per peer domain and POSTs it once per recipient, collecting
// per-recipient failures instead of aborting the batch.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/federation/internal/attachment"
	"github.com/bcem/federation/internal/models"
	"github.com/bcem/federation/internal/site"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultConcurrency = 8
	defaultReceivePath = "/federation/receive"
)

// ErrInvalidSender is returned when the sender address has no usable domain.
var ErrInvalidSender = errors.New("sender address has no domain")

// SiteSource returns the active peer sites. Called once per send.
type SiteSource interface {
	ActiveFederationSites(ctx context.Context) ([]site.ActiveSite, error)
}

// KeySource returns this site's own symmetric key.
type KeySource interface {
	OwnSymmetricKey(ctx context.Context) (string, error)
}

// Relay sends mail to ordinary external recipients. Optional.
type Relay interface {
	SendExternal(ctx context.Context, msg Message, recipients []string) error
}

// Attachment is an outbound attachment or inline image. Content holds the
// raw bytes; it may be nil when the attachment is already stored and
// StorageKey is set.
type Attachment struct {
	Filename   string
	MimeType   string
	Content    []byte
	StorageKey string
	SizeBytes  int64
	ContentID  string
}

// Message is a composed outbound message.
type Message struct {
	From         string
	DisplayName  string
	Subject      string
	Text         string
	HTML         string
	Attachments  []Attachment
	InlineImages []Attachment
}

// Group is the set of recipients served by one peer site.
type Group struct {
	Domain     string
	Key        string
	APIHost    string
	Recipients []string
}

// Plan is the classification of a recipient list.
type Plan struct {
	Groups   []Group
	External []string
}

// Federated returns every recipient covered by a peer group.
func (p *Plan) Federated() []string {
	var out []string
	for _, g := range p.Groups {
		out = append(out, g.Recipients...)
	}
	return out
}

// Result summarises one Send.
type Result struct {
	Delivered []string
	Failures  []RecipientFailure
	External  []string
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	Sites       SiteSource
	Keys        KeySource
	Relay       Relay
	HTTPClient  *http.Client
	Timeout     time.Duration // upper bound per delivery
	Concurrency int           // max in-flight deliveries per send
	ReceivePath string
	Scheme      string
}

// Dispatcher delivers messages to federated peers.
type Dispatcher struct {
	sites       SiteSource
	keys        KeySource
	relay       Relay
	client      *http.Client
	timeout     time.Duration
	concurrency int
	receivePath string
	scheme      string
	now         func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		sites:       cfg.Sites,
		keys:        cfg.Keys,
		relay:       cfg.Relay,
		client:      cfg.HTTPClient,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		receivePath: cfg.ReceivePath,
		scheme:      cfg.Scheme,
		now:         time.Now,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.concurrency <= 0 {
		d.concurrency = defaultConcurrency
	}
	if d.receivePath == "" {
		d.receivePath = defaultReceivePath
	}
	if d.scheme == "" {
		d.scheme = "https"
	}
	return d
}

// Classify partitions external recipients by peer domain using a snapshot
// of the active sites. Recipients whose domain is not federated, or that
// cannot be parsed, are returned as External. Duplicate recipients are
// collapsed.
func Classify(sites []site.ActiveSite, recipients []string) *Plan {
	byDomain := make(map[string]site.ActiveSite, len(sites))
	for _, s := range sites {
		if _, dup := byDomain[s.Domain]; !dup {
			byDomain[s.Domain] = s
		}
	}

	plan := &Plan{}
	index := make(map[string]int)
	seen := make(map[string]bool)
	for _, rcpt := range recipients {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" || seen[strings.ToLower(rcpt)] {
			continue
		}
		seen[strings.ToLower(rcpt)] = true

		domain, err := site.DomainOf(rcpt)
		s, ok := byDomain[domain]
		if err != nil || !ok {
			plan.External = append(plan.External, rcpt)
			continue
		}

		i, ok := index[domain]
		if !ok {
			host := s.APIHost
			if host == "" {
				host = s.Domain
			}
			plan.Groups = append(plan.Groups, Group{Domain: s.Domain, Key: s.Key, APIHost: host})
			i = len(plan.Groups) - 1
			index[domain] = i
		}
		plan.Groups[i].Recipients = append(plan.Groups[i].Recipients, rcpt)
	}
	return plan
}

// Plan reads the active sites once and classifies recipients.
func (d *Dispatcher) Plan(ctx context.Context, recipients []string) (*Plan, error) {
	sites, err := d.sites.ActiveFederationSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active federation sites: %w", err)
	}
	return Classify(sites, recipients), nil
}

// Send classifies recipients, delivers to every federated group and hands
// the rest to the relay when one is configured. Per-recipient failures
// across all groups are returned as one *DeliveryError; Result is always
// populated so callers can report partial success.
func (d *Dispatcher) Send(ctx context.Context, msg Message, recipients []string) (*Result, error) {
	plan, err := d.Plan(ctx, recipients)
	if err != nil {
		return nil, err
	}
	result := &Result{External: plan.External}

	var errs []error
	if len(plan.Groups) > 0 {
		delivered, failures, err := d.deliver(ctx, msg, plan.Groups)
		if err != nil {
			return nil, err
		}
		result.Delivered = delivered
		result.Failures = failures
		if len(failures) > 0 {
			errs = append(errs, &DeliveryError{Failures: failures})
		}
	}

	if d.relay != nil && len(plan.External) > 0 {
		if err := d.relay.SendExternal(ctx, msg, plan.External); err != nil {
			errs = append(errs, fmt.Errorf("relay external recipients: %w", err))
		}
	}

	return result, errors.Join(errs...)
}

// DeliverGroup delivers msg to every recipient of one peer group. It
// returns a *DeliveryError listing each failing recipient once all of
// them have been attempted.
func (d *Dispatcher) DeliverGroup(ctx context.Context, msg Message, g Group) error {
	_, failures, err := d.deliver(ctx, msg, []Group{g})
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return &DeliveryError{Failures: failures}
	}
	return nil
}

// delivery is one POST of a group's envelope to one recipient.
type delivery struct {
	group     *Group
	recipient string
	envelope  string
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message, groups []Group) ([]string, []RecipientFailure, error) {
	// The own key is a precondition for any network call.
	if _, err := d.keys.OwnSymmetricKey(ctx); err != nil {
		return nil, nil, err
	}
	senderDomain, err := site.DomainOf(msg.From)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSender, err)
	}

	meta, contents := prepareAttachments(msg)

	var (
		mu        sync.Mutex
		delivered []string
		failures  []RecipientFailure
	)
	fail := func(g *Group, rcpt, reason string) {
		mu.Lock()
		failures = append(failures, RecipientFailure{Domain: g.Domain, Recipient: rcpt, Reason: reason})
		mu.Unlock()
	}

	var jobs []delivery
	for i := range groups {
		g := &groups[i]
		envelope, err := sealGroup(msg, meta, g, d.now())
		if err != nil {
			slog.Error("failed to encrypt federation envelope",
				"domain", g.Domain,
				"error", err,
			)
			metricDeliveries.WithLabelValues("encrypt_error").Add(float64(len(g.Recipients)))
			for _, rcpt := range g.Recipients {
				fail(g, rcpt, err.Error())
			}
			continue
		}
		for _, rcpt := range g.Recipients {
			jobs = append(jobs, delivery{group: g, recipient: rcpt, envelope: envelope})
		}
	}

	var eg errgroup.Group
	eg.SetLimit(d.concurrency)
	for _, job := range jobs {
		eg.Go(func() error {
			req := models.ReceiveRequest{
				EncryptedData:      job.envelope,
				SenderDomain:       senderDomain,
				ToEmail:            job.recipient,
				AttachmentContents: contents,
			}
			if err := d.post(ctx, job.group, req); err != nil {
				slog.Warn("federation delivery failed",
					"domain", job.group.Domain,
					"api_host", job.group.APIHost,
					"to_email", job.recipient,
					"error", err,
				)
				fail(job.group, job.recipient, err.Error())
				return nil
			}
			mu.Lock()
			delivered = append(delivered, job.recipient)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	slog.Info("federation dispatch complete",
		"groups", len(groups),
		"delivered", len(delivered),
		"failed", len(failures),
	)
	return delivered, failures, nil
}

// prepareAttachments builds the metadata list shared by every recipient
// and the filename -> base64 map of bytes that travel with each request.
// Filenames are made unique so no entry's bytes replace another's.
func prepareAttachments(msg Message) ([]models.AttachmentMetadata, map[string]string) {
	var (
		meta     []models.AttachmentMetadata
		contents map[string]string
		seen     = make(map[string]bool)
	)
	add := func(a Attachment, kind string) {
		name := uniqueName(seen, a.Filename)
		key, size := a.StorageKey, a.SizeBytes
		if a.Content != nil {
			if key == "" {
				key = attachment.AddressOf(a.Content, a.Filename)
			}
			if size == 0 {
				size = int64(len(a.Content))
			}
			if contents == nil {
				contents = make(map[string]string)
			}
			contents[name] = base64.StdEncoding.EncodeToString(a.Content)
		}
		m := models.AttachmentMetadata{
			Filename:   name,
			MimeType:   a.MimeType,
			SizeBytes:  size,
			StorageKey: key,
			Kind:       kind,
		}
		if kind == models.KindEmbedded {
			m.ContentID = a.ContentID
		}
		meta = append(meta, m)
	}

	for _, a := range msg.Attachments {
		add(a, models.KindAttachment)
	}
	for _, img := range msg.InlineImages {
		add(img, models.KindEmbedded)
	}
	if meta == nil {
		meta = []models.AttachmentMetadata{}
	}
	return meta, contents
}

// uniqueName returns name, or "stem (n).ext" when name is already taken,
// and records the result in seen.
func uniqueName(seen map[string]bool, name string) string {
	out := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; seen[out]; n++ {
		out = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
	seen[out] = true
	return out
}

// RecipientFailure is one failed delivery.
type RecipientFailure struct {
	Domain    string
	Recipient string
	Reason    string
}

// DeliveryError aggregates the failed recipients of a delivery run.
type DeliveryError struct {
	Failures []RecipientFailure
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", f.Recipient, f.Domain, f.Reason))
	}
	return fmt.Sprintf("federation delivery failed for %d recipient(s): %s",
		len(e.Failures), strings.Join(parts, "; "))
}

// Recipients lists the failing recipients.
func (e *DeliveryError) Recipients() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Recipient)
	}
	return out
}
