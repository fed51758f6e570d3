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

//go:generate mockgen -destination=mock_handoff.go -package=handoff github.com/carverauto/wslld/pkg/handoff Persister

// Package handoff persists discovery snapshots so that a restarted daemon or
// a one-shot query can serve last-known-good data.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
)

var (
	// ErrNotFound is returned by Load when nothing was ever persisted.
	ErrNotFound = errors.New("no persisted snapshot")

	errUnknownType        = errors.New("unknown handoff type")
	errPathRequired       = errors.New("handoff path is required for type file")
	errNATSURLMissing     = errors.New("handoff nats url is required for type nats")
	errRedisAddrMissing   = errors.New("handoff redis addr is required for type redis")
	errUnsupportedVersion = errors.New("unsupported handoff format version")
)

const (
	TypeFile  = "file"
	TypeNATS  = "nats"
	TypeRedis = "redis"
	TypeNone  = "none"

	formatVersion = 1

	defaultPath     = "/var/lib/wslld/snapshot.json"
	defaultInterval = 5 * time.Second
	defaultBucket   = "wslld"
	defaultKey      = "snapshot"
)

// Persister stores and retrieves one snapshot atomically.
type Persister interface {
	Save(ctx context.Context, snap models.Snapshot) error
	Load(ctx context.Context) (models.Snapshot, error)
	Close() error
}

// NATSConfig selects a JetStream KV bucket and key.
type NATSConfig struct {
	URL    string `json:"url" yaml:"url"`
	Bucket string `json:"bucket" yaml:"bucket"`
	Key    string `json:"key" yaml:"key"`
}

// RedisConfig selects a Redis key.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// Config selects and configures the hand-off backend.
type Config struct {
	Type     string          `json:"type" yaml:"type"`
	Path     string          `json:"path" yaml:"path"`
	Interval models.Duration `json:"interval" yaml:"interval"`
	NATS     NATSConfig      `json:"nats" yaml:"nats"`
	Redis    RedisConfig     `json:"redis" yaml:"redis"`
}

// Validate implements config.Validator and fills in defaults.
func (c *Config) Validate() error {
	if c.Type == "" {
		c.Type = TypeFile
	}

	c.Interval = c.Interval.OrDefault(defaultInterval)

	switch c.Type {
	case TypeFile:
		if c.Path == "" {
			c.Path = defaultPath
		}
	case TypeNATS:
		if c.NATS.URL == "" {
			return errNATSURLMissing
		}

		if c.NATS.Bucket == "" {
			c.NATS.Bucket = defaultBucket
		}

		if c.NATS.Key == "" {
			c.NATS.Key = defaultKey
		}
	case TypeRedis:
		if c.Redis.Addr == "" {
			return errRedisAddrMissing
		}

		if c.Redis.Key == "" {
			c.Redis.Key = "wslld:" + defaultKey
		}
	case TypeNone:
	default:
		return fmt.Errorf("%w: %q", errUnknownType, c.Type)
	}

	return nil
}

// New opens the configured backend. TypeNone yields a nil Persister.
func New(ctx context.Context, cfg Config, log logger.Logger) (Persister, error) {
	switch cfg.Type {
	case TypeFile, "":
		if cfg.Path == "" {
			return nil, errPathRequired
		}

		return NewFilePersister(cfg.Path), nil
	case TypeNATS:
		return NewNATSPersister(ctx, cfg.NATS, log)
	case TypeRedis:
		return NewRedisPersister(ctx, cfg.Redis)
	case TypeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, cfg.Type)
	}
}

type envelope struct {
	Version  int             `json:"version"`
	Snapshot models.Snapshot `json:"snapshot"`
}

func encode(snap models.Snapshot) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: formatVersion, Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return data, nil
}

func decode(data []byte) (models.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if env.Version != formatVersion {
		return models.Snapshot{}, fmt.Errorf("%w: %d", errUnsupportedVersion, env.Version)
	}

	return env.Snapshot, nil
}
