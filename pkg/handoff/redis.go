/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/wslld/pkg/models"
	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// RedisPersister keeps the snapshot under one Redis key. SET replaces the
// value atomically.
type RedisPersister struct {
	client *redis.Client
	key    string
}

// NewRedisPersister connects and pings the server.
func NewRedisPersister(ctx context.Context, cfg RedisConfig) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	return &RedisPersister{client: client, key: cfg.Key}, nil
}

func (r *RedisPersister) Save(ctx context.Context, snap models.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", r.key, err)
	}

	return nil
}

func (r *RedisPersister) Load(ctx context.Context) (models.Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Snapshot{}, ErrNotFound
	}

	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to get key %s: %w", r.key, err)
	}

	return decode(data)
}

func (r *RedisPersister) Close() error {
	return r.client.Close()
}
