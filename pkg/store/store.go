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

// Package store holds the authoritative in-memory set of discovered entities.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/models"
)

// DefaultTombstoneTTL is how long a removed entity stays visible in Removed.
const DefaultTombstoneTTL = 60 * time.Second

// Stats summarizes the store for metrics.
type Stats struct {
	Active        int
	Tombstones    int
	LastUpdate    time.Time
	LastHeartbeat time.Time
}

// Store applies UpdateEvents in arrival order and serves consistent copies.
// Writers take the exclusive lock, snapshot copies take the shared lock.
type Store struct {
	mu            sync.RWMutex
	entities      map[string]*models.Entity
	lastUpdate    time.Time
	lastHeartbeat time.Time
	tombstoneTTL  time.Duration
	nextPurge     time.Time
	clock         clock.Clock
}

// New returns an empty store. A zero ttl uses DefaultTombstoneTTL and a nil
// clock uses the wall clock.
func New(tombstoneTTL time.Duration, clk clock.Clock) *Store {
	if tombstoneTTL <= 0 {
		tombstoneTTL = DefaultTombstoneTTL
	}

	if clk == nil {
		clk = clock.Real()
	}

	return &Store{
		entities:     make(map[string]*models.Entity),
		tombstoneTTL: tombstoneTTL,
		clock:        clk,
	}
}

// Apply folds one event into the store and reports whether the set of
// active entities or their attributes changed.
func (s *Store) Apply(ev models.UpdateEvent) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUpdate = now

	switch ev.Kind {
	case models.EventUpsert:
		return s.upsertLocked(ev, now)
	case models.EventRemove:
		return s.removeLocked(ev.ID, now)
	case models.EventHeartbeat:
		s.lastHeartbeat = now
	}

	return false
}

func (s *Store) upsertLocked(ev models.UpdateEvent, now time.Time) bool {
	existing, ok := s.entities[ev.ID]

	changed := !ok || existing.State != models.EntityActive || !sameAttributes(existing.Attributes, ev.Attributes)

	s.entities[ev.ID] = &models.Entity{
		ID:         ev.ID,
		Attributes: models.CopyAttributes(ev.Attributes),
		LastSeen:   now,
		State:      models.EntityActive,
	}

	return changed
}

func (s *Store) removeLocked(id string, now time.Time) bool {
	existing, ok := s.entities[id]
	if !ok || existing.State == models.EntityRemoved {
		return false
	}

	existing.State = models.EntityRemoved
	existing.LastSeen = now

	if expiry := now.Add(s.tombstoneTTL); s.nextPurge.IsZero() || expiry.Before(s.nextPurge) {
		s.nextPurge = expiry
	}

	return true
}

func sameAttributes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}

	return true
}

// Snapshot returns active entities sorted by ID and tombstones still inside
// their window. Expired tombstones are purged on the way.
func (s *Store) Snapshot() models.Snapshot {
	now := s.clock.Now()

	s.mu.RLock()
	purgeDue := !s.nextPurge.IsZero() && !now.Before(s.nextPurge)

	if !purgeDue {
		defer s.mu.RUnlock()

		return s.copyLocked(now)
	}

	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked(now)

	return s.copyLocked(now)
}

func (s *Store) purgeLocked(now time.Time) {
	s.nextPurge = time.Time{}

	for id, e := range s.entities {
		if e.State != models.EntityRemoved {
			continue
		}

		expiry := e.LastSeen.Add(s.tombstoneTTL)
		if !now.Before(expiry) {
			delete(s.entities, id)

			continue
		}

		if s.nextPurge.IsZero() || expiry.Before(s.nextPurge) {
			s.nextPurge = expiry
		}
	}
}

func (s *Store) copyLocked(now time.Time) models.Snapshot {
	snap := models.Snapshot{
		Entities:      make([]models.DiscoveredEntity, 0, len(s.entities)),
		GeneratedAt:   now,
		LastUpdate:    s.lastUpdate,
		LastHeartbeat: s.lastHeartbeat,
	}

	for _, e := range s.entities {
		switch e.State {
		case models.EntityActive:
			snap.Entities = append(snap.Entities, models.DiscoveredEntity{
				ID:         e.ID,
				Attributes: models.CopyAttributes(e.Attributes),
			})
		case models.EntityRemoved:
			// a purge may not have run yet under the shared lock
			if now.Before(e.LastSeen.Add(s.tombstoneTTL)) {
				snap.Removed = append(snap.Removed, e.ID)
			}
		}
	}

	sort.Slice(snap.Entities, func(i, j int) bool {
		return snap.Entities[i].ID < snap.Entities[j].ID
	})
	sort.Strings(snap.Removed)

	return snap
}

// Restore replaces the store contents with a persisted snapshot. Restored
// tombstones get a fresh window starting now.
func (s *Store) Restore(snap models.Snapshot) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = make(map[string]*models.Entity, len(snap.Entities)+len(snap.Removed))
	s.nextPurge = time.Time{}

	for _, e := range snap.Entities {
		s.entities[e.ID] = &models.Entity{
			ID:         e.ID,
			Attributes: models.CopyAttributes(e.Attributes),
			LastSeen:   snap.GeneratedAt,
			State:      models.EntityActive,
		}
	}

	for _, id := range snap.Removed {
		if _, ok := s.entities[id]; ok {
			continue
		}

		s.entities[id] = &models.Entity{ID: id, LastSeen: now, State: models.EntityRemoved}
		s.nextPurge = now.Add(s.tombstoneTTL)
	}

	s.lastUpdate = snap.LastUpdate
	s.lastHeartbeat = snap.LastHeartbeat
}

// Get returns a copy of the entity with the given ID, including tombstones.
func (s *Store) Get(id string) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return models.Entity{}, false
	}

	out := *e
	out.Attributes = models.CopyAttributes(e.Attributes)

	return out, true
}

// Len returns the number of active entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0

	for _, e := range s.entities {
		if e.State == models.EntityActive {
			n++
		}
	}

	return n
}

// LastUpdate returns when the last event of any kind was applied.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastUpdate
}

// Stats returns counters for metrics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{LastUpdate: s.lastUpdate, LastHeartbeat: s.lastHeartbeat}

	for _, e := range s.entities {
		if e.State == models.EntityActive {
			st.Active++
		} else {
			st.Tombstones++
		}
	}

	return st
}
