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

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bcem/federation/internal/fedcrypt"
	"github.com/bcem/federation/internal/models"
)

// maxErrorBody bounds how much of a failed response is kept in a reason.
const maxErrorBody = 512

var (
	metricDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_outbound_deliveries_total",
			Help: "Outbound federation deliveries by result: ok, transport_error, http_error, bad_response, rejected, encrypt_error.",
		},
		[]string{"result"},
	)
	metricDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "federation_outbound_delivery_duration_seconds",
			Help:    "Duration of one outbound federation delivery.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"domain"},
	)
)

// sealGroup builds one payload per recipient and encrypts the array once
// under the peer's key.
func sealGroup(msg Message, meta []models.AttachmentMetadata, g *Group, now time.Time) (string, error) {
	payloads := make([]models.EmailPayload, 0, len(g.Recipients))
	for _, rcpt := range g.Recipients {
		payloads = append(payloads, models.EmailPayload{
			ToEmail:     rcpt,
			FromEmail:   msg.From,
			DisplayName: msg.DisplayName,
			Subject:     msg.Subject,
			Text:        msg.Text,
			HTML:        msg.HTML,
			Attachments: meta,
			Timestamp:   now.UnixMilli(),
		})
	}

	plaintext, err := json.Marshal(payloads)
	if err != nil {
		return "", fmt.Errorf("marshal payloads: %w", err)
	}
	envelope, err := fedcrypt.Encrypt(plaintext, g.Key)
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", g.Domain, err)
	}
	return envelope, nil
}

// post sends one ReceiveRequest and interprets the peer's answer. A
// timeout is reported like any other transport failure.
func (d *Dispatcher) post(ctx context.Context, g *Group, body models.ReceiveRequest) error {
	start := time.Now()
	defer func() {
		metricDuration.WithLabelValues(g.Domain).Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := fmt.Sprintf("%s://%s%s", d.scheme, g.APIHost, d.receivePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		metricDeliveries.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metricDeliveries.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metricDeliveries.WithLabelValues("http_error").Inc()
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), maxErrorBody))
	}

	var result models.Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		metricDeliveries.WithLabelValues("bad_response").Inc()
		return fmt.Errorf("malformed response: %w", err)
	}
	if result.Code != http.StatusOK {
		metricDeliveries.WithLabelValues("rejected").Inc()
		msg := result.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("peer rejected delivery (code %d): %s", result.Code, msg)
	}

	metricDeliveries.WithLabelValues("ok").Inc()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
