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

// Package bridge wires the upstream connection, the discovery store and the
// LLD server together and runs them as a daemon or as a one-shot query.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/codec"
	"github.com/carverauto/wslld/pkg/handoff"
	"github.com/carverauto/wslld/pkg/lld"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/metrics"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/carverauto/wslld/pkg/natsutil"
	"github.com/carverauto/wslld/pkg/store"
	"github.com/carverauto/wslld/pkg/wsclient"
	"github.com/carverauto/wslld/pkg/zabbix"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	restoreTimeout  = 10 * time.Second

	causeTransport = "transport"
	causeProtocol  = "protocol"
)

var errConfigRequired = errors.New("bridge config is required")

// Bridge owns every component of a running wslld instance.
type Bridge struct {
	cfg     *Config
	logger  logger.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	store   *store.Store
	decoder *codec.Decoder
	manager *wsclient.Manager
	server  *lld.Server

	persister handoff.Persister
	writer    *handoff.Writer

	natsConn    *nats.Conn
	notifier    *natsutil.Notifier
	provisioner *zabbix.Provisioner

	oneShot   bool
	onApplied func(ev models.UpdateEvent)
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithClock replaces the wall clock used by the store and the server.
func WithClock(clk clock.Clock) Option {
	return func(b *Bridge) { b.clock = clk }
}

// WithMetrics supplies the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithPersister overrides the configured hand-off backend.
func WithPersister(p handoff.Persister) Option {
	return func(b *Bridge) { b.persister = p }
}

func withOneShot() Option {
	return func(b *Bridge) { b.oneShot = true }
}

// New builds a Bridge from a validated config. Optional integrations
// (events, zabbix) are connected here so that misconfiguration fails fast.
func New(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errConfigRequired
	}

	b := &Bridge{cfg: cfg, logger: log}

	for _, opt := range opts {
		opt(b)
	}

	if b.clock == nil {
		b.clock = clock.Real()
	}

	if b.metrics == nil {
		b.metrics = metrics.New()
	}

	b.store = store.New(cfg.Discovery.TombstoneTTL.Std(), b.clock)
	b.metrics.RegisterStore(b.store)
	b.decoder = codec.NewDecoder(cfg.Upstream.MaxMessageBytes)

	manager, err := wsclient.NewManager(cfg.Upstream, wsclient.NewBackoff(cfg.Backoff), b.handleFrame, log)
	if err != nil {
		return nil, err
	}

	b.manager = manager
	b.manager.OnStateChange(b.handleStateChange)
	b.server = lld.NewServer(b.store, b.manager, cfg.Discovery, b.clock)

	if err := b.setupHandoff(ctx); err != nil {
		return nil, err
	}

	if b.oneShot {
		return b, nil
	}

	if err := b.setupEvents(ctx); err != nil {
		b.Close()

		return nil, err
	}

	if cfg.Zabbix.Enabled {
		b.provisioner = zabbix.NewProvisioner(zabbix.NewClient(&cfg.Zabbix), b.store, &cfg.Zabbix, b.clock, log)
		b.provisioner.OnScenario(b.metrics.ObserveScenario)
	}

	return b, nil
}

func (b *Bridge) setupHandoff(ctx context.Context) error {
	if b.persister == nil {
		p, err := handoff.New(ctx, b.cfg.Handoff, b.logger)
		if err != nil {
			return fmt.Errorf("failed to open snapshot hand-off: %w", err)
		}

		b.persister = p
	}

	if b.persister == nil {
		return nil
	}

	w, err := handoff.NewWriter(b.persister, b.server.Snapshot, b.cfg.Handoff.Interval.Std(), b.clock, b.logger)
	if err != nil {
		return err
	}

	w.OnSave(b.metrics.ObserveHandoff)
	b.writer = w

	return nil
}

func (b *Bridge) setupEvents(ctx context.Context) error {
	if !b.cfg.Events.Enabled {
		return nil
	}

	nc, err := natsutil.Connect(b.cfg.Events.NATSURL, b.logger)
	if err != nil {
		return err
	}

	publisher, err := natsutil.CreateEventPublisher(ctx, nc, b.cfg.Events.Stream, b.cfg.Events.SubjectPrefix)
	if err != nil {
		nc.Close()

		return err
	}

	b.natsConn = nc
	b.notifier = natsutil.NewNotifier(publisher, b.cfg.Events.QueueSize, b.logger)
	b.notifier.OnPublish(b.metrics.ObservePublish)

	return nil
}

// Store exposes the discovery store.
func (b *Bridge) Store() *store.Store {
	return b.store
}

// Manager exposes the connection manager.
func (b *Bridge) Manager() *wsclient.Manager {
	return b.manager
}

// Server exposes the snapshot server.
func (b *Bridge) Server() *lld.Server {
	return b.server
}

// Restore seeds the store from the hand-off, if one was persisted.
func (b *Bridge) Restore(ctx context.Context) bool {
	if b.persister == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	snap, err := b.persister.Load(ctx)
	if err != nil {
		if !errors.Is(err, handoff.ErrNotFound) {
			b.logger.Warn().Err(err).Msg("Failed to load snapshot hand-off")
		}

		return false
	}

	b.store.Restore(snap)

	b.logger.Info().
		Int("entities", len(snap.Entities)).
		Time("last_update", snap.LastUpdate).
		Msg("Restored discovery snapshot from hand-off")

	return true
}

// Run restores the last hand-off and runs every component until ctx is
// cancelled or one of them fails.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.Close()

	b.Restore(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.manager.Run(gctx) })

	if b.writer != nil {
		g.Go(func() error { return b.writer.Run(gctx) })
	}

	if b.notifier != nil {
		g.Go(func() error { return b.notifier.Run(gctx) })
	}

	if b.provisioner != nil {
		g.Go(func() error { return b.provisioner.Run(gctx) })
	}

	if b.cfg.ListenAddr != "" {
		srv := &http.Server{
			Addr:              b.cfg.ListenAddr,
			Handler:           b.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		g.Go(func() error {
			b.logger.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases the hand-off backend and the events connection.
func (b *Bridge) Close() {
	if b.persister != nil {
		if err := b.persister.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to close snapshot hand-off")
		}
	}

	if b.natsConn != nil {
		b.natsConn.Close()
	}
}

// handleFrame runs on the connection read goroutine: decode, then apply in
// arrival order.
func (b *Bridge) handleFrame(_ context.Context, frame []byte) {
	b.metrics.ObserveFrame()

	events, err := b.decoder.Decode(frame)
	if err != nil {
		b.reportDecodeError(err)
	}

	if len(events) == 0 {
		return
	}

	upserted := false

	for _, ev := range events {
		changed := b.store.Apply(ev)
		b.metrics.ObserveEvent(ev.Kind)

		if changed {
			b.notifyEntity(ev)
		}

		if ev.Kind == models.EventUpsert {
			upserted = true
		}

		if b.onApplied != nil {
			b.onApplied(ev)
		}
	}

	if b.writer != nil {
		b.writer.MarkDirty()
	}

	if upserted && b.provisioner != nil {
		b.provisioner.Trigger()
	}
}

func (b *Bridge) reportDecodeError(err error) {
	errs := []error{err}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	for _, e := range errs {
		reason := "unknown"

		var decodeErr *codec.DecodeError
		if errors.As(e, &decodeErr) {
			reason = decodeErr.Reason
		}

		b.metrics.ObserveDecodeError(reason)

		evt := b.logger.Warn().Err(e).Str("reason", reason)
		if decodeErr != nil {
			evt = evt.Bytes("raw", decodeErr.Raw)
		}

		evt.Msg("Skipping malformed upstream message")
	}
}

func (b *Bridge) notifyEntity(ev models.UpdateEvent) {
	if b.notifier == nil || ev.Kind == models.EventHeartbeat {
		return
	}

	b.notifier.EntityChanged(models.EntityChangeData{
		EntityID:   ev.ID,
		Change:     ev.Kind,
		Attributes: models.CopyAttributes(ev.Attributes),
		Timestamp:  b.clock.Now(),
	})
}

func (b *Bridge) handleStateChange(prev, curr models.ConnectionState, err error) {
	cause := ""

	if err != nil {
		cause = causeTransport
		if errors.Is(err, wsclient.ErrProtocol) {
			cause = causeProtocol
		}
	}

	b.metrics.ObserveState(curr, cause)

	evt := b.logger.Info()
	if err != nil {
		evt = b.logger.Warn().Err(err).Str("cause", cause)
	}

	evt.Str("previous", prev.String()).Str("current", curr.String()).Msg("Upstream connection state changed")

	if curr == models.Connecting {
		// a partial value from the previous connection can never complete
		b.decoder.Reset()
	}

	if b.writer != nil {
		b.writer.MarkDirty()
	}

	if b.notifier != nil {
		data := models.ConnectionStateData{
			PreviousState: prev.String(),
			CurrentState:  curr.String(),
			Timestamp:     b.clock.Now(),
		}

		if err != nil {
			data.Error = err.Error()
		}

		b.notifier.ConnectionChanged(data)
	}
}
