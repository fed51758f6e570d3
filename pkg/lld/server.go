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

// Package lld turns discovery store snapshots into Zabbix low-level
// discovery documents.
package lld

import (
	"errors"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/models"
)

// ErrNoData is returned when nothing was ever received and no connection
// ever succeeded.
var ErrNoData = errors.New("no discovery data available")

// SnapshotSource provides consistent store copies.
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// ConnectionSource exposes the upstream connection status.
type ConnectionSource interface {
	State() models.ConnectionState
	EverConnected() bool
	DisconnectedSince() time.Time
}

// ConnStatus is a point-in-time view of a ConnectionSource.
type ConnStatus struct {
	State             models.ConnectionState
	EverConnected     bool
	DisconnectedSince time.Time
}

// Server answers discovery polls from the store without touching the
// network.
type Server struct {
	store SnapshotSource
	conn  ConnectionSource
	cfg   Config
	clock clock.Clock
}

// NewServer returns a Server. conn may be nil, in which case the upstream
// is treated as never connected. cfg must already be validated.
func NewServer(store SnapshotSource, conn ConnectionSource, cfg Config, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real()
	}

	return &Server{store: store, conn: conn, cfg: cfg, clock: clk}
}

// Serve builds a document from the current store contents.
func (s *Server) Serve() (*Document, error) {
	snap := s.store.Snapshot()

	status := ConnStatus{State: models.Disconnected}
	if s.conn != nil {
		status = ConnStatus{
			State:             s.conn.State(),
			EverConnected:     s.conn.EverConnected(),
			DisconnectedSince: s.conn.DisconnectedSince(),
		}
	}

	return Evaluate(snap, status, s.cfg, s.clock.Now())
}

// Snapshot returns the store snapshot annotated with the current freshness,
// suitable for persisting as a hand-off.
func (s *Server) Snapshot() models.Snapshot {
	snap := s.store.Snapshot()

	if s.conn != nil {
		snap.EverConnected = s.conn.EverConnected()

		doc, err := Evaluate(snap, ConnStatus{
			State:             s.conn.State(),
			EverConnected:     snap.EverConnected,
			DisconnectedSince: s.conn.DisconnectedSince(),
		}, s.cfg, s.clock.Now())
		if err == nil {
			snap.ConnectionState = doc.State
		}
	}

	return snap
}

// FromSnapshot rebuilds a document from a persisted snapshot, recomputing
// freshness against now. A snapshot recorded while live is treated as still
// connected, so only the age of its last update can make it stale; any
// other snapshot counts as disconnected since it was taken.
func FromSnapshot(snap models.Snapshot, cfg Config, now time.Time) (*Document, error) {
	status := ConnStatus{
		State:             models.Disconnected,
		EverConnected:     snap.EverConnected,
		DisconnectedSince: snap.GeneratedAt,
	}

	if snap.ConnectionState == models.FreshnessLive {
		status.State = models.Connected
		status.DisconnectedSince = time.Time{}
	}

	return Evaluate(snap, status, cfg, now)
}

// Evaluate tags snap with a freshness state and renders its rows.
func Evaluate(snap models.Snapshot, status ConnStatus, cfg Config, now time.Time) (*Document, error) {
	if !status.EverConnected && !snap.HasData() {
		return nil, ErrNoData
	}

	idMacro := cfg.IDMacro
	if idMacro == "" {
		idMacro = DefaultIDMacro
	}

	doc := &Document{
		Rows:        buildRows(snap.Entities, idMacro),
		GeneratedAt: now,
		LastUpdate:  snap.LastUpdate,
		Removed:     append([]string(nil), snap.Removed...),
	}

	connected := status.State == models.Connected
	threshold := cfg.StalenessThreshold.OrDefault(defaultStalenessThreshold).Std()

	switch {
	case snap.LastUpdate.IsZero() && connected:
		doc.State = models.FreshnessReconnecting
	case snap.LastUpdate.IsZero():
		doc.State = models.FreshnessStale
	case now.Sub(snap.LastUpdate) > threshold:
		doc.State = models.FreshnessStale
	case connected:
		doc.State = models.FreshnessLive
	default:
		doc.State = models.FreshnessReconnecting
	}

	if doc.State == models.FreshnessReconnecting && !connected && !status.DisconnectedSince.IsZero() {
		grace := cfg.ReconnectGrace.OrDefault(defaultReconnectGrace).Std()
		doc.Degraded = now.Sub(status.DisconnectedSince) > grace
	}

	return doc, nil
}
