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

package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/handoff"
	"github.com/carverauto/wslld/pkg/lld"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
)

const saveTimeout = 5 * time.Second

// Query answers from the persisted hand-off without touching the network.
// It returns lld.ErrNoData when nothing was ever persisted.
func Query(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*lld.Document, error) {
	b := &Bridge{cfg: cfg, logger: log}

	for _, opt := range opts {
		opt(b)
	}

	if b.clock == nil {
		b.clock = clock.Real()
	}

	if b.persister == nil {
		p, err := handoff.New(ctx, cfg.Handoff, log)
		if err != nil {
			return nil, err
		}

		if p == nil {
			return nil, lld.ErrNoData
		}

		defer func() { _ = p.Close() }()

		b.persister = p
	}

	snap, err := b.persister.Load(ctx)
	if errors.Is(err, handoff.ErrNotFound) {
		return nil, lld.ErrNoData
	}

	if err != nil {
		return nil, err
	}

	return lld.FromSnapshot(snap, cfg.Discovery, b.clock.Now())
}

// OneShot connects, collects updates until the collect window elapses or
// the first heartbeat after at least one upsert, and serves the result. If
// no connection succeeds within the one-shot timeout it falls back to the
// persisted hand-off tagged stale.
func OneShot(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*lld.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.OneShot.Timeout.Std())
	defer cancel()

	b, err := New(ctx, cfg, log, append(opts, withOneShot())...)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	b.Restore(ctx)

	collectCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		sawUpsert    bool
		windowArmed  bool
		windowExpiry *time.Timer
	)

	b.manager.OnStateChange(func(_, curr models.ConnectionState, _ error) {
		if curr == models.Connected && !windowArmed {
			windowArmed = true
			windowExpiry = time.AfterFunc(cfg.OneShot.CollectWindow.Std(), stop)
		}
	})

	b.onApplied = func(ev models.UpdateEvent) {
		switch ev.Kind {
		case models.EventUpsert:
			sawUpsert = true
		case models.EventHeartbeat:
			if sawUpsert {
				stop()
			}
		case models.EventRemove:
		}
	}

	_ = b.manager.Run(collectCtx)

	if windowExpiry != nil {
		windowExpiry.Stop()
	}

	if !b.manager.EverConnected() {
		log.Warn().Msg("Upstream unreachable, falling back to snapshot hand-off")

		return b.fallback(ctx)
	}

	snap := b.store.Snapshot()
	snap.EverConnected = true

	doc, err := lld.Evaluate(snap, lld.ConnStatus{
		State:         models.Connected,
		EverConnected: true,
	}, cfg.Discovery, b.clock.Now())
	if err != nil {
		return nil, err
	}

	snap.ConnectionState = doc.State
	b.save(ctx, snap)

	return doc, nil
}

func (b *Bridge) fallback(ctx context.Context) (*lld.Document, error) {
	if b.persister == nil {
		return nil, lld.ErrNoData
	}

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	snap, err := b.persister.Load(loadCtx)
	if err != nil {
		if !errors.Is(err, handoff.ErrNotFound) {
			b.logger.Warn().Err(err).Msg("Failed to load snapshot hand-off")
		}

		return nil, lld.ErrNoData
	}

	doc, err := lld.FromSnapshot(snap, b.cfg.Discovery, b.clock.Now())
	if err != nil {
		return nil, err
	}

	doc.State = models.FreshnessStale

	return doc, nil
}

func (b *Bridge) save(ctx context.Context, snap models.Snapshot) {
	if b.persister == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	err := b.persister.Save(saveCtx, snap)
	b.metrics.ObserveHandoff(err)

	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to persist snapshot hand-off")
	}
}
