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

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carverauto/wslld/pkg/models"
	"github.com/carverauto/wslld/pkg/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveFrame()
	m.ObserveFrame()
	m.ObserveEvent(models.EventUpsert)
	m.ObserveDecodeError("unknown type")
	m.ObserveState(models.Connected, "")
	m.ObserveState(models.Disconnected, "transport")
	m.ObserveHandoff(nil)
	m.ObserveHandoff(errors.New("disk full"))
	m.ObserveServe(models.FreshnessLive, nil)
	m.ObservePublish(nil)
	m.ObserveScenario("created")

	assert.InDelta(t, 2, testutil.ToFloat64(m.framesReceived), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsApplied.WithLabelValues("upsert")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.decodeErrors.WithLabelValues("unknown type")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.connectionState), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.disconnects.WithLabelValues("transport")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.handoffWrites.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.handoffWrites.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.lldRequests.WithLabelValues("live")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.scenarios.WithLabelValues("created")), 0)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveFrame()
		m.ObserveEvent(models.EventRemove)
		m.ObserveState(models.Disconnected, "protocol")
		m.ObserveServe("", errors.New("no data"))
		m.RegisterStore(store.New(0, nil))
	})
}

func TestHandlerExposesStoreGauges(t *testing.T) {
	m := New()

	s := store.New(0, nil)
	s.Apply(models.Upsert("a", nil))
	s.Apply(models.Upsert("b", nil))
	s.Apply(models.Remove("b"))

	m.RegisterStore(s)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "wslld_store_entities_active 1"), body)
	assert.Contains(t, body, "wslld_store_tombstones 1")
	assert.Contains(t, body, "wslld_store_last_update_timestamp_seconds")
}
