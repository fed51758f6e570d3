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
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
)

const finalFlushTimeout = 5 * time.Second

var errPersisterRequired = errors.New("handoff persister is required")

// SnapshotFunc produces the snapshot to persist.
type SnapshotFunc func() models.Snapshot

// ObserveFunc is called with the outcome of every save.
type ObserveFunc func(err error)

// Writer periodically persists the snapshot when it has been marked dirty.
type Writer struct {
	persister Persister
	snapshot  SnapshotFunc
	interval  time.Duration
	clock     clock.Clock
	logger    logger.Logger
	observe   ObserveFunc

	dirty atomic.Bool
	mu    sync.Mutex // serializes saves
}

// NewWriter builds a Writer flushing at most once per interval.
func NewWriter(p Persister, snapshot SnapshotFunc, interval time.Duration, clk clock.Clock, log logger.Logger) (*Writer, error) {
	if p == nil {
		return nil, errPersisterRequired
	}

	if interval <= 0 {
		interval = defaultInterval
	}

	if clk == nil {
		clk = clock.Real()
	}

	return &Writer{
		persister: p,
		snapshot:  snapshot,
		interval:  interval,
		clock:     clk,
		logger:    log,
	}, nil
}

// OnSave registers fn to be called after every save attempt.
func (w *Writer) OnSave(fn ObserveFunc) {
	w.observe = fn
}

// MarkDirty schedules a save on the next tick.
func (w *Writer) MarkDirty() {
	w.dirty.Store(true)
}

// Dirty reports whether a save is pending.
func (w *Writer) Dirty() bool {
	return w.dirty.Load()
}

// Run saves on every tick while dirty and flushes once more on shutdown.
func (w *Writer) Run(ctx context.Context) error {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if w.dirty.Load() {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
				_ = w.Flush(flushCtx)

				cancel()
			}

			return nil
		case <-ticker.Chan():
			if w.dirty.Load() {
				_ = w.Flush(ctx)
			}
		}
	}
}

// Flush saves the current snapshot unconditionally. A failed save leaves
// the writer dirty so the next tick retries.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirty.Store(false)

	err := w.persister.Save(ctx, w.snapshot())
	if err != nil {
		w.dirty.Store(true)

		if w.logger != nil {
			w.logger.Warn().Err(err).Msg("Failed to persist snapshot hand-off")
		}
	}

	if w.observe != nil {
		w.observe(err)
	}

	return err
}
