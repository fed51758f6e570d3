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

	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPersister keeps the snapshot under one key of a JetStream KV bucket.
type NATSPersister struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	key    string
	logger logger.Logger
}

// NewNATSPersister connects to NATS and creates the bucket if needed.
func NewNATSPersister(ctx context.Context, cfg NATSConfig, log logger.Logger) (*NATSPersister, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("wslld-handoff"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "wslld discovery snapshot hand-off",
		History:     1,
	})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket %s: %w", cfg.Bucket, err)
	}

	if log != nil {
		log.Info().Str("bucket", cfg.Bucket).Str("key", cfg.Key).Msg("Using NATS KV snapshot hand-off")
	}

	return &NATSPersister{nc: nc, kv: kv, key: cfg.Key, logger: log}, nil
}

func (n *NATSPersister) Save(ctx context.Context, snap models.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	if _, err := n.kv.Put(ctx, n.key, data); err != nil {
		return fmt.Errorf("failed to put key %s: %w", n.key, err)
	}

	return nil
}

func (n *NATSPersister) Load(ctx context.Context) (models.Snapshot, error) {
	entry, err := n.kv.Get(ctx, n.key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return models.Snapshot{}, ErrNotFound
	}

	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to get key %s: %w", n.key, err)
	}

	return decode(entry.Value())
}

func (n *NATSPersister) Close() error {
	n.nc.Close()

	return nil
}
