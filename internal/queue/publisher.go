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

// Package queue publishes "mail received" events to a Redis list for
// downstream notification workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/federation/internal/models"
)

// EventMailReceived is the type tag of a received-mail event.
const EventMailReceived = "federation.mail_received"

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
	now       func() time.Time
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

// envelope wraps every event pushed to the queue.
type envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// PublishMailReceived serialises ev and LPUSHes it; consumers BRPOP.
func (p *Publisher) PublishMailReceived(ctx context.Context, ev *models.MailReceived) error {
	env := envelope{
		ID:         uuid.New().String(),
		Type:       EventMailReceived,
		OccurredAt: p.now().UTC(),
		Data:       ev,
	}

	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published mail received event",
		"event_id", env.ID,
		"message_id", ev.MessageID,
		"to_email", ev.ToEmail,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
