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

package models

import (
	"time"
)

// EntityState is the lifecycle state of a discovered entity.
type EntityState string

const (
	EntityActive  EntityState = "active"
	EntityRemoved EntityState = "removed"
)

// Entity is one discoverable object announced by the upstream feed.
type Entity struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	LastSeen   time.Time         `json:"last_seen"`
	State      EntityState       `json:"state"`
}

// EventKind discriminates the variants of UpdateEvent.
type EventKind string

const (
	EventUpsert    EventKind = "upsert"
	EventRemove    EventKind = "remove"
	EventHeartbeat EventKind = "heartbeat"
)

// UpdateEvent is a decoded feed message. Attributes is only set for upserts
// and ID is empty for heartbeats.
type UpdateEvent struct {
	Kind       EventKind
	ID         string
	Attributes map[string]string
}

// Upsert builds an upsert event.
func Upsert(id string, attrs map[string]string) UpdateEvent {
	return UpdateEvent{Kind: EventUpsert, ID: id, Attributes: attrs}
}

// Remove builds a remove event.
func Remove(id string) UpdateEvent {
	return UpdateEvent{Kind: EventRemove, ID: id}
}

// Heartbeat builds a heartbeat event.
func Heartbeat() UpdateEvent {
	return UpdateEvent{Kind: EventHeartbeat}
}

// CopyAttributes returns a shallow copy of attrs; nil stays nil.
func CopyAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}

	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}

	return out
}

// ConnectionState is the upstream connection lifecycle state.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Freshness tags how current a snapshot is relative to the upstream feed.
type Freshness string

const (
	FreshnessLive         Freshness = "live"
	FreshnessReconnecting Freshness = "reconnecting"
	FreshnessStale        Freshness = "stale"
)

// DiscoveredEntity is the identity and attributes of an active entity as it
// appears in a snapshot.
type DiscoveredEntity struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Snapshot is a point-in-time copy of the discovery store.
type Snapshot struct {
	Entities        []DiscoveredEntity `json:"entities"`
	Removed         []string           `json:"removed,omitempty"`
	GeneratedAt     time.Time          `json:"generated_at"`
	LastUpdate      time.Time          `json:"last_update"`
	LastHeartbeat   time.Time          `json:"last_heartbeat"`
	ConnectionState Freshness          `json:"connection_state,omitempty"`
	EverConnected   bool               `json:"ever_connected"`
}

// HasData reports whether the snapshot carries anything worth serving.
func (s *Snapshot) HasData() bool {
	return s.EverConnected || !s.LastUpdate.IsZero() || len(s.Entities) > 0
}
