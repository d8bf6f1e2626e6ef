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

// Package dedup remembers inbound federation envelopes in Redis so a peer
// retrying a delivery that already succeeded does not create duplicate mail.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen envelope is remembered.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces replay keys in Redis.
	keyPrefix = "fed:seen:"
)

// Filter tracks which envelope ids have already been processed.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a replay filter backed by Redis. ttl <= 0 uses DefaultTTL.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsNew returns true if the id has NOT been seen before.
// If true, the id is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay SETNX: %w", err)
	}
	return set, nil
}

// Forget removes the mark so the envelope is processed again on retry.
func (f *Filter) Forget(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("replay DEL: %w", err)
	}
	return nil
}
