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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	wshttp "github.com/carverauto/wslld/pkg/http"
	"github.com/carverauto/wslld/pkg/lld"
)

const (
	// StateHeader carries the freshness of every /lld response.
	StateHeader = "X-WSLLD-State"
	// DegradedHeader is set when the upstream has been down past the
	// reconnect grace period.
	DegradedHeader = "X-WSLLD-Degraded"
)

type healthResponse struct {
	State             string     `json:"state"`
	EverConnected     bool       `json:"ever_connected"`
	Attempts          int64      `json:"attempts"`
	Entities          int        `json:"entities"`
	Tombstones        int        `json:"tombstones"`
	LastUpdate        *time.Time `json:"last_update,omitempty"`
	DisconnectedSince *time.Time `json:"disconnected_since,omitempty"`
}

// Handler returns the daemon HTTP surface: /lld, /healthz and /metrics.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()

	lldHandler := wshttp.APIKeyMiddleware(b.cfg.APIKey, b.logger)(http.HandlerFunc(b.serveLLD))

	mux.Handle("GET /lld", lldHandler)
	mux.HandleFunc("GET /healthz", b.serveHealth)
	mux.Handle("GET /metrics", b.metrics.Handler())

	return wshttp.RequestLogger(b.logger)(mux)
}

func (b *Bridge) serveLLD(w http.ResponseWriter, r *http.Request) {
	format := b.cfg.Format()

	if q := r.URL.Query().Get("format"); q != "" {
		f, err := lld.ParseFormat(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		format = f
	}

	doc, err := b.server.Serve()
	if err != nil {
		b.metrics.ObserveServe("", err)

		status := http.StatusInternalServerError
		if errors.Is(err, lld.ErrNoData) {
			status = http.StatusServiceUnavailable
		}

		http.Error(w, err.Error(), status)

		return
	}

	b.metrics.ObserveServe(doc.State, nil)

	body, err := doc.Render(format)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to render LLD document")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	if doc.Stale() {
		b.logger.Warn().Time("last_update", doc.LastUpdate).Msg("Serving stale discovery data")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(StateHeader, string(doc.State))

	if doc.Degraded {
		w.Header().Set(DegradedHeader, "true")
	}

	if _, err := w.Write(body); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to write LLD response")
	}
}

func (b *Bridge) serveHealth(w http.ResponseWriter, _ *http.Request) {
	stats := b.store.Stats()

	resp := healthResponse{
		State:         b.manager.State().String(),
		EverConnected: b.manager.EverConnected(),
		Attempts:      b.manager.Attempts(),
		Entities:      stats.Active,
		Tombstones:    stats.Tombstones,
	}

	if !stats.LastUpdate.IsZero() {
		lu := stats.LastUpdate.UTC()
		resp.LastUpdate = &lu
	}

	if ds := b.manager.DisconnectedSince(); !ds.IsZero() {
		ds = ds.UTC()
		resp.DisconnectedSince = &ds
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}
