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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bcem/federation/internal/fedcrypt"
	"github.com/bcem/federation/internal/models"
	"github.com/bcem/federation/internal/settings"
)

// DefaultMaxBodyBytes bounds a receive request, attachments included.
const DefaultMaxBodyBytes = 32 << 20

var (
	metricRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_inbound_requests_total",
			Help: "Inbound federation requests by result.",
		},
		[]string{"result"},
	)
	metricItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_inbound_items_total",
			Help: "Inbound payload items by outcome: accepted or a skip reason.",
		},
		[]string{"outcome"},
	)
	metricAttachments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_inbound_attachments_total",
			Help: "Inbound attachments by result.",
		},
		[]string{"result"},
	)
)

// Handler serves the receive endpoint.
type Handler struct {
	receiver *Receiver
	maxBody  int64
}

// NewHandler wraps a Receiver for HTTP. maxBody <= 0 uses DefaultMaxBodyBytes.
func NewHandler(r *Receiver, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{receiver: r, maxBody: maxBody}
}

// ServeReceive handles POST requests from peer sites. The HTTP status
// mirrors the result code.
func (h *Handler) ServeReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResult(w, models.Fail(http.StatusMethodNotAllowed, "method not allowed"))
		return
	}

	var req models.ReceiveRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metricRequests.WithLabelValues("too_large").Inc()
			writeResult(w, models.Fail(http.StatusRequestEntityTooLarge, "request body too large"))
			return
		}
		metricRequests.WithLabelValues("bad_request").Inc()
		writeResult(w, models.Fail(http.StatusBadRequest, "invalid JSON body"))
		return
	}

	report, err := h.receiver.Receive(r.Context(), req)
	if err != nil {
		code, msg, result := classify(err)
		metricRequests.WithLabelValues(result).Inc()
		slog.Warn("federation request rejected",
			"sender_domain", req.SenderDomain,
			"to_email", req.ToEmail,
			"ciphertext_len", len(req.EncryptedData),
			"result", result,
			"error", err,
		)
		writeResult(w, models.Fail(code, msg))
		return
	}

	if report.Duplicate {
		metricRequests.WithLabelValues("duplicate").Inc()
	} else {
		metricRequests.WithLabelValues("ok").Inc()
	}
	writeResult(w, models.OK(map[string]string{"message": "ok"}))
}

// classify maps a Receive error to a result code, a peer-facing message
// and a metric label.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, err.Error(), "bad_request"
	case errors.Is(err, ErrRecipientNotFound):
		return http.StatusNotFound, "recipient not found", "recipient_not_found"
	case errors.Is(err, settings.ErrMissingLocalKey):
		return http.StatusInternalServerError, "federation key not configured", "missing_local_key"
	case errors.Is(err, fedcrypt.ErrInvalidKey):
		return http.StatusInternalServerError, "federation key invalid", "invalid_local_key"
	case errors.Is(err, fedcrypt.ErrDecryptionFailed):
		return http.StatusBadRequest, "decryption failed", "decryption_failed"
	default:
		return http.StatusInternalServerError, "internal error", "internal_error"
	}
}

func writeResult(w http.ResponseWriter, res models.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	json.NewEncoder(w).Encode(res)
}
