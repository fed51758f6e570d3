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

package lld

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/carverauto/wslld/pkg/models"
)

// Document is one LLD answer: macro rows plus freshness metadata.
type Document struct {
	Rows        []map[string]string
	State       models.Freshness
	GeneratedAt time.Time
	LastUpdate  time.Time
	Removed     []string
	Degraded    bool
}

// Stale reports whether the rows are older than the staleness threshold.
func (d *Document) Stale() bool {
	return d.State == models.FreshnessStale
}

type wrappedDocument struct {
	Data        []map[string]string `json:"data"`
	State       models.Freshness    `json:"state"`
	Degraded    bool                `json:"degraded,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
	LastUpdate  *time.Time          `json:"last_update,omitempty"`
	Removed     []string            `json:"removed"`
}

// Render encodes the document in the requested format.
func (d *Document) Render(format Format) ([]byte, error) {
	rows := d.Rows
	if rows == nil {
		rows = []map[string]string{}
	}

	if format != FormatWrapped {
		return json.Marshal(rows)
	}

	removed := d.Removed
	if removed == nil {
		removed = []string{}
	}

	out := wrappedDocument{
		Data:        rows,
		State:       d.State,
		Degraded:    d.Degraded,
		GeneratedAt: d.GeneratedAt.UTC(),
		Removed:     removed,
	}

	if !d.LastUpdate.IsZero() {
		lu := d.LastUpdate.UTC()
		out.LastUpdate = &lu
	}

	return json.Marshal(out)
}

// MacroName maps an attribute name to its LLD macro: upper-cased, with
// runes outside [A-Z0-9_.] replaced by underscores.
func MacroName(attr string) string {
	var b strings.Builder

	b.Grow(len(attr) + 3)
	b.WriteString("{#")

	for _, r := range strings.ToUpper(attr) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	b.WriteByte('}')

	return b.String()
}

// buildRows renders entities as macro rows. The identity macro always wins
// and, when two attributes map to the same macro, the lexically first
// attribute name is kept.
func buildRows(entities []models.DiscoveredEntity, idMacro string) []map[string]string {
	rows := make([]map[string]string, 0, len(entities))

	for _, e := range entities {
		row := make(map[string]string, len(e.Attributes)+1)
		row[idMacro] = e.ID

		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			macro := MacroName(k)
			if _, taken := row[macro]; taken {
				continue
			}

			row[macro] = e.Attributes[k]
		}

		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i][idMacro] < rows[j][idMacro]
	})

	return rows
}
