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

package receiver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bcem/federation/internal/attachment"
	"github.com/bcem/federation/internal/fedcrypt"
	"github.com/bcem/federation/internal/models"
	"github.com/bcem/federation/internal/settings"
)

var localKey = strings.Repeat("ab", 32)

// --- Fakes ---

type fakeAccounts map[string]*Account

func (f fakeAccounts) FindActiveAccountByEmail(_ context.Context, email string) (*Account, error) {
	return f[strings.ToLower(email)], nil
}

type fakeKey string

func (k fakeKey) OwnSymmetricKey(context.Context) (string, error) {
	if k == "" {
		return "", settings.ErrMissingLocalKey
	}
	return string(k), nil
}

type fakeMailbox struct {
	mu          sync.Mutex
	mails       []MailRecord
	attachments []AttachmentRecord
	failMail    bool
}

func (m *fakeMailbox) InsertReceivedMail(_ context.Context, rec *MailRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMail {
		return 0, errors.New("database unavailable")
	}
	m.mails = append(m.mails, *rec)
	return int64(len(m.mails)), nil
}

func (m *fakeMailbox) InsertAttachment(_ context.Context, rec *AttachmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments = append(m.attachments, *rec)
	return nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    map[string]bool // by key
}

func (o *fakeObjects) PutObject(_ context.Context, key string, data []byte, _, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[key] {
		return errors.New("bucket unavailable")
	}
	if o.objects == nil {
		o.objects = make(map[string][]byte)
	}
	o.objects[key] = data
	return nil
}

type fakeReplay struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeReplay) IsNew(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

func (f *fakeReplay) Forget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, id)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.MailReceived
}

func (f *fakeEvents) PublishMailReceived(_ context.Context, ev *models.MailReceived) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

type fixture struct {
	recv    *Receiver
	mailbox *fakeMailbox
	objects *fakeObjects
	replay  *fakeReplay
	events  *fakeEvents
}

func newFixture(key string) *fixture {
	f := &fixture{
		mailbox: &fakeMailbox{},
		objects: &fakeObjects{},
		replay:  &fakeReplay{},
		events:  &fakeEvents{},
	}
	f.recv = New(Config{
		Accounts: fakeAccounts{
			"bob@local.example": {ID: 7, UserID: 70, Email: "bob@local.example"},
		},
		Keys:    fakeKey(key),
		Mailbox: f.mailbox,
		Objects: f.objects,
		Replay:  f.replay,
		Events:  f.events,
	})
	return f
}

func payload(subject string) models.EmailPayload {
	return models.EmailPayload{
		ToEmail:   "bob@local.example",
		FromEmail: "alice@peer.example",
		Subject:   subject,
		HTML:      "<p>hello</p>",
		Timestamp: 1760000000000,
	}
}

func seal(t *testing.T, v any) string {
	t.Helper()
	plaintext, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := fedcrypt.Encrypt(plaintext, localKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return env
}

func request(env string) models.ReceiveRequest {
	return models.ReceiveRequest{
		EncryptedData: env,
		SenderDomain:  "peer.example",
		ToEmail:       "bob@local.example",
	}
}

// --- Tests ---

// TestReceive_BatchSkipsBadItem verifies a malformed item does not stop
// its siblings.
func TestReceive_BatchSkipsBadItem(t *testing.T) {
	f := newFixture(localKey)
	items := []models.EmailPayload{payload("first"), payload(""), payload("third")}

	report, err := f.recv.Receive(context.Background(), request(seal(t, items)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.mailbox.mails) != 2 {
		t.Fatalf("stored mails = %d, want 2", len(f.mailbox.mails))
	}
	if f.mailbox.mails[0].Subject != "first" || f.mailbox.mails[1].Subject != "third" {
		t.Errorf("stored subjects = %q, %q", f.mailbox.mails[0].Subject, f.mailbox.mails[1].Subject)
	}
	if report.Accepted() != 2 || report.Skipped() != 1 {
		t.Errorf("accepted=%d skipped=%d", report.Accepted(), report.Skipped())
	}
	if r := report.Items[1]; r.Accepted || r.Reason != ReasonMissingSubject {
		t.Errorf("item 2 = %+v", r)
	}
	if len(f.events.events) != 2 {
		t.Errorf("events = %d, want 2", len(f.events.events))
	}
}

// TestReceive_SingleObject verifies a lone payload is treated as a batch
// of one and mapped onto the mail record.
func TestReceive_SingleObject(t *testing.T) {
	f := newFixture(localKey)
	p := payload("hi")
	p.DisplayName = "Alice"
	p.FromEmail = "alice@Peer.Example"

	if _, err := f.recv.Receive(context.Background(), request(seal(t, p))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.mailbox.mails) != 1 {
		t.Fatalf("stored mails = %d", len(f.mailbox.mails))
	}
	m := f.mailbox.mails[0]
	if m.AccountID != 7 || m.UserID != 70 || m.Content != "<p>hello</p>" || m.DisplayName != "Alice" {
		t.Errorf("mail = %+v", m)
	}
	if m.SenderDomain != "peer.example" {
		t.Errorf("sender domain = %q", m.SenderDomain)
	}
	if !strings.HasPrefix(m.MessageID, "federation-peer.example-") {
		t.Errorf("message id = %q", m.MessageID)
	}
	if m.SentAt.UnixMilli() != 1760000000000 {
		t.Errorf("sent at = %v", m.SentAt)
	}
}

// TestReceive_SkipReasons covers each item-level rejection.
func TestReceive_SkipReasons(t *testing.T) {
	noBody := payload("s")
	noBody.HTML = ""
	textOnly := payload("s")
	textOnly.HTML = ""
	textOnly.Text = "plain"
	noFrom := payload("s")
	noFrom.FromEmail = ""
	other := payload("s")
	other.ToEmail = "carol@local.example"
	unaddressed := payload("s")
	unaddressed.ToEmail = ""
	alias := payload("s")
	alias.ToEmail = "BOB+Tag@local.example"
	otherAlias := payload("s")
	otherAlias.ToEmail = "bobby+bob@local.example"

	tests := []struct {
		name   string
		item   models.EmailPayload
		reason string
	}{
		{"missing content", noBody, ReasonMissingContent},
		{"text only", textOnly, ""},
		{"missing from", noFrom, ReasonMissingFrom},
		{"other recipient", other, ReasonOtherRecipient},
		{"unaddressed", unaddressed, ""},
		{"plus alias", alias, ""},
		{"alias of other recipient", otherAlias, ReasonOtherRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := skipReason(tt.item, "Bob@local.example"); got != tt.reason {
				t.Errorf("skipReason = %q, want %q", got, tt.reason)
			}
		})
	}
}

// TestReceive_MalformedArrayElement verifies an undecodable element is
// skipped on its own.
func TestReceive_MalformedArrayElement(t *testing.T) {
	f := newFixture(localKey)
	raw := []byte(`[{"toEmail":"bob@local.example","sendEmail":"a@peer.example","subject":"ok","content":"x"},{"subject":42}]`)
	env, err := fedcrypt.Encrypt(raw, localKey)
	if err != nil {
		t.Fatal(err)
	}

	report, err := f.recv.Receive(context.Background(), request(env))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.mailbox.mails) != 1 || report.Items[1].Reason != ReasonMalformed {
		t.Errorf("mails = %d, items = %+v", len(f.mailbox.mails), report.Items)
	}
}

// TestReceive_RequestRejections verifies request-level failures store nothing.
func TestReceive_RequestRejections(t *testing.T) {
	good := seal(t, payload("s"))
	raw, _ := base64.StdEncoding.DecodeString(good)
	raw[len(raw)-1] ^= 0x01
	corrupted := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name string
		key  string
		req  models.ReceiveRequest
		want error
	}{
		{
			name: "missing ciphertext",
			key:  localKey,
			req:  models.ReceiveRequest{SenderDomain: "peer.example", ToEmail: "bob@local.example"},
			want: ErrBadRequest,
		},
		{
			name: "missing sender domain",
			key:  localKey,
			req:  models.ReceiveRequest{EncryptedData: good, ToEmail: "bob@local.example"},
			want: ErrBadRequest,
		},
		{
			name: "unknown recipient",
			key:  localKey,
			req:  models.ReceiveRequest{EncryptedData: good, SenderDomain: "peer.example", ToEmail: "nobody@local.example"},
			want: ErrRecipientNotFound,
		},
		{
			name: "missing local key",
			key:  "",
			req:  request(good),
			want: settings.ErrMissingLocalKey,
		},
		{
			name: "corrupted ciphertext",
			key:  localKey,
			req:  request(corrupted),
			want: fedcrypt.ErrDecryptionFailed,
		},
		{
			name: "wrong key",
			key:  strings.Repeat("cd", 32),
			req:  request(good),
			want: fedcrypt.ErrDecryptionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.key)
			_, err := f.recv.Receive(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(f.mailbox.mails) != 0 {
				t.Errorf("stored %d mails, want 0", len(f.mailbox.mails))
			}
		})
	}
}

// TestReceive_Attachments verifies bytes are stored under their content
// address and failures skip only the affected attachment.
func TestReceive_Attachments(t *testing.T) {
	f := newFixture(localKey)
	pdf := []byte("%PDF pretend")
	png := []byte("png pretend")
	broken := []byte("will not store")
	f.objects.fail = map[string]bool{attachment.AddressOf(broken, "broken.bin"): true}

	p := payload("with files")
	p.Attachments = []models.AttachmentMetadata{
		{Filename: "report.pdf", MimeType: "application/pdf", StorageKey: attachment.AddressOf(pdf, "report.pdf"), Kind: models.KindAttachment, ContentID: "ignored"},
		{Filename: "logo.png", MimeType: "image/png", Kind: models.KindEmbedded, ContentID: "logo@peer"},
		{Filename: "broken.bin", MimeType: "application/octet-stream", Kind: models.KindAttachment},
		{Filename: "absent.txt", MimeType: "text/plain", Kind: models.KindAttachment},
	}
	req := request(seal(t, p))
	req.AttachmentContents = map[string]string{
		"report.pdf": base64.StdEncoding.EncodeToString(pdf),
		"logo.png":   base64.StdEncoding.EncodeToString(png),
		"broken.bin": base64.StdEncoding.EncodeToString(broken),
	}

	report, err := f.recv.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.mailbox.mails) != 1 {
		t.Fatalf("mails = %d", len(f.mailbox.mails))
	}
	if it := report.Items[0]; it.Attachments != 2 || it.AttachmentsSkipped != 2 {
		t.Errorf("item = %+v", it)
	}

	byName := map[string]AttachmentRecord{}
	for _, a := range f.mailbox.attachments {
		byName[a.Filename] = a
	}
	if len(byName) != 2 {
		t.Fatalf("attachment rows = %+v", f.mailbox.attachments)
	}
	pdfRow := byName["report.pdf"]
	if pdfRow.EmailID != 1 || pdfRow.SizeBytes != int64(len(pdf)) || pdfRow.ContentID != "" {
		t.Errorf("pdf row = %+v", pdfRow)
	}
	logoRow := byName["logo.png"]
	if logoRow.ContentID != "logo@peer" || logoRow.StorageKey != attachment.AddressOf(png, "logo.png") {
		t.Errorf("logo row = %+v", logoRow)
	}
	if !bytes.Equal(f.objects.objects[pdfRow.StorageKey], pdf) {
		t.Error("pdf bytes not stored under content address")
	}
}

// TestReceive_Replay verifies a repeated envelope is acknowledged once
// per recipient without duplicate mail.
func TestReceive_Replay(t *testing.T) {
	f := newFixture(localKey)
	req := request(seal(t, payload("once")))

	if _, err := f.recv.Receive(context.Background(), req); err != nil {
		t.Fatalf("first: %v", err)
	}
	report, err := f.recv.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !report.Duplicate || len(f.mailbox.mails) != 1 {
		t.Errorf("duplicate=%v mails=%d", report.Duplicate, len(f.mailbox.mails))
	}
}

// TestReceive_StoreFailureAllowsRetry verifies a failed write clears the
// replay mark.
func TestReceive_StoreFailureAllowsRetry(t *testing.T) {
	f := newFixture(localKey)
	req := request(seal(t, payload("retry me")))

	f.mailbox.failMail = true
	if _, err := f.recv.Receive(context.Background(), req); err == nil {
		t.Fatal("expected store error")
	}

	f.mailbox.failMail = false
	report, err := f.recv.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Duplicate || len(f.mailbox.mails) != 1 {
		t.Errorf("duplicate=%v mails=%d", report.Duplicate, len(f.mailbox.mails))
	}
}

// TestServeReceive verifies the wire envelope and status mapping.
func TestServeReceive(t *testing.T) {
	f := newFixture(localKey)
	h := NewHandler(f.recv, 0)
	good, _ := json.Marshal(request(seal(t, payload("s"))))
	unknown, _ := json.Marshal(models.ReceiveRequest{EncryptedData: "x", SenderDomain: "p", ToEmail: "who@local.example"})

	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
		wantMsg  string
	}{
		{"success", http.MethodPost, string(good), http.StatusOK, ""},
		{"not json", http.MethodPost, "{", http.StatusBadRequest, "invalid JSON body"},
		{"missing fields", http.MethodPost, `{}`, http.StatusBadRequest, "bad request: missing encryptedData, senderDomain, toEmail"},
		{"unknown recipient", http.MethodPost, string(unknown), http.StatusNotFound, "recipient not found"},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, "method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/federation/receive", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()

			h.ServeReceive(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var res struct {
				Code int               `json:"code"`
				Msg  string            `json:"msg"`
				Data map[string]string `json:"data"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if res.Code != tt.wantCode || res.Msg != tt.wantMsg {
				t.Errorf("result = %+v", res)
			}
			if tt.wantCode == http.StatusOK && res.Data["message"] != "ok" {
				t.Errorf("data = %v", res.Data)
			}
		})
	}
}

// TestServeReceive_TooLarge verifies the body limit.
func TestServeReceive_TooLarge(t *testing.T) {
	h := NewHandler(newFixture(localKey).recv, 64)
	body := `{"encryptedData":"` + strings.Repeat("A", 256) + `"}`
	rr := httptest.NewRecorder()

	h.ServeReceive(rr, httptest.NewRequest(http.MethodPost, "/federation/receive", strings.NewReader(body)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}
