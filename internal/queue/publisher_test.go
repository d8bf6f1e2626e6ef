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

package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/federation/internal/models"
)

func TestPublishMailReceived(t *testing.T) {
	url := os.Getenv("FEDERATION_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FEDERATION_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	queueName := "federation:test:" + uuid.NewString()
	defer rdb.Del(ctx, queueName)

	p := NewPublisher(rdb, queueName)
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	ev := &models.MailReceived{EmailID: 9, MessageID: "federation-peer.example-1-x", ToEmail: "bob@local.example"}
	if err := p.PublishMailReceived(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	raw, err := rdb.RPop(ctx, queueName).Result()
	if err != nil {
		t.Fatalf("RPOP: %v", err)
	}
	var got struct {
		ID         string              `json:"id"`
		Type       string              `json:"type"`
		OccurredAt time.Time           `json:"occurredAt"`
		Data       models.MailReceived `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := uuid.Parse(got.ID); err != nil {
		t.Errorf("id %q is not a uuid", got.ID)
	}
	if got.Type != EventMailReceived || got.Data.EmailID != 9 || got.Data.ToEmail != "bob@local.example" {
		t.Errorf("event = %+v", got)
	}
	if !got.OccurredAt.Equal(p.now()) {
		t.Errorf("occurredAt = %v", got.OccurredAt)
	}
}
