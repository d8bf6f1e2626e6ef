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

// Package models defines the wire types exchanged between federated sites
// and the result envelope returned by every HTTP surface.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Attachment kinds.
const (
	KindAttachment = "attachment"
	KindEmbedded   = "embedded"
)

// AttachmentMetadata describes one attachment without carrying its bytes.
// StorageKey is the content-addressed key; ContentID is set only for
// embedded (inline) attachments.
type AttachmentMetadata struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	SizeBytes  int64  `json:"size"`
	StorageKey string `json:"key"`
	ContentID  string `json:"contentId,omitempty"`
	Kind       string `json:"type"`
}

// EmailPayload is one unit of mail for one recipient. A decrypted envelope
// holds one payload or an array of them.
type EmailPayload struct {
	ToEmail     string               `json:"toEmail"`
	FromEmail   string               `json:"sendEmail"`
	DisplayName string               `json:"name"`
	Subject     string               `json:"subject"`
	Text        string               `json:"text"`
	HTML        string               `json:"content"`
	Attachments []AttachmentMetadata `json:"attachments"`
	Timestamp   int64                `json:"timestamp"`
}

// Body returns the HTML content, falling back to the text part.
func (p EmailPayload) Body() string {
	if p.HTML != "" {
		return p.HTML
	}
	return p.Text
}

// DecodePayloads parses decrypted envelope bytes, which may be a single
// object or an array, into a slice. A single object becomes a slice of one.
// Array elements that fail to decode are left zero-valued and their
// indexes reported in bad, so callers can skip them without losing their
// siblings.
func DecodePayloads(data []byte) (items []EmailPayload, bad []int, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] != '[' {
		var p EmailPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, nil, fmt.Errorf("decode payload: %w", err)
		}
		return []EmailPayload{p}, nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode payload array: %w", err)
	}

	items = make([]EmailPayload, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &items[i]); err != nil {
			bad = append(bad, i)
			items[i] = EmailPayload{}
		}
	}
	return items, bad, nil
}

// ReceiveRequest is the JSON body POSTed to a peer's receive endpoint.
// AttachmentContents maps filename to base64 bytes.
type ReceiveRequest struct {
	EncryptedData      string            `json:"encryptedData"`
	SenderDomain       string            `json:"senderDomain"`
	ToEmail            string            `json:"toEmail"`
	AttachmentContents map[string]string `json:"attachmentContents,omitempty"`
}

// Result is the {code, msg, data} envelope of every JSON response.
type Result struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

// OK wraps data in a success result.
func OK(data any) Result {
	return Result{Code: 200, Data: data}
}

// Fail builds a failure result.
func Fail(code int, msg string) Result {
	return Result{Code: code, Msg: msg}
}
