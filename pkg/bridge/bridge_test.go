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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carverauto/wslld/pkg/handoff"
	"github.com/carverauto/wslld/pkg/lld"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/carverauto/wslld/pkg/wsclient"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const unreachableURL = "ws://127.0.0.1:1/feed"

type upstream struct {
	srv         *httptest.Server
	connections atomic.Int32
}

// newUpstream serves script on every accepted WebSocket connection.
func newUpstream(t *testing.T, script func(conn *websocket.Conn)) *upstream {
	t.Helper()

	u := &upstream{}
	upgrader := websocket.Upgrader{}

	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		u.connections.Add(1)
		script(conn)
	}))

	t.Cleanup(u.srv.Close)

	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, frames ...string) {
	t.Helper()

	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
}

// drain reads until the client goes away so control frames get answered.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(t *testing.T, url string) *Config {
	t.Helper()

	cfg := &Config{
		Upstream: wsclient.Config{URL: url},
		Handoff: handoff.Config{
			Type:     handoff.TypeFile,
			Path:     filepath.Join(t.TempDir(), "snapshot.json"),
			Interval: models.Duration(20 * time.Millisecond),
		},
		OneShot: OneShotConfig{
			Timeout:       models.Duration(2 * time.Second),
			CollectWindow: models.Duration(5 * time.Second),
		},
	}

	cfg.Backoff.Initial = models.Duration(10 * time.Millisecond)
	cfg.Backoff.Max = models.Duration(50 * time.Millisecond)

	require.NoError(t, cfg.Validate())

	cfg.ListenAddr = ""

	return cfg
}

func startBridge(t *testing.T, cfg *Config) *Bridge {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	b, err := New(ctx, cfg, logger.NewTestLogger())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- b.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	return b
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, http.NoBody))

	return rr
}

func TestMalformedFrameBetweenUpserts(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		send(t, conn,
			`{"type":"upsert","id":"a","attributes":{"site":"lab"}}`,
			`{"type":"upsert","id":}`,
			`{"type":"upsert","id":"b"}`,
		)
		drain(conn)
	})

	b := startBridge(t, testConfig(t, up.url()))

	require.Eventually(t, func() bool {
		return b.Store().Stats().Active == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.Connected, b.Manager().State())
	assert.Equal(t, int32(1), up.connections.Load())

	body := get(t, b.Handler(), "/metrics").Body.String()
	assert.Contains(t, body, `wslld_upstream_decode_errors_total{reason="invalid json"} 1`)
	assert.Contains(t, body, `wslld_store_entities_active 2`)
}

func TestTruncatedFrameBetweenUpserts(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		send(t, conn,
			`{"type":"upsert","id":"a"}`,
			`{"type":"upsert","id":"bad"`,
			`{"type":"upsert","id":"b"}`,
		)
		drain(conn)
	})

	b := startBridge(t, testConfig(t, up.url()))

	require.Eventually(t, func() bool {
		return b.Store().Stats().Active == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.Connected, b.Manager().State())
	assert.Equal(t, int32(1), up.connections.Load())

	body := get(t, b.Handler(), "/metrics").Body.String()
	assert.Contains(t, body, `wslld_upstream_decode_errors_total{reason="invalid json"} 1`)
}

func TestSensorScenarioOverHTTP(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		send(t, conn,
			`{"type":"upsert","id":"sensor-1","attributes":{"loc":"roof"}}`,
			`{"type":"upsert","id":"sensor-2","attributes":{"loc":"lab"}}`,
			`{"type":"remove","id":"sensor-1"}`,
		)
		drain(conn)
	})

	b := startBridge(t, testConfig(t, up.url()))

	require.Eventually(t, func() bool {
		return b.Store().Stats().Tombstones == 1
	}, 5*time.Second, 10*time.Millisecond)

	rr := get(t, b.Handler(), "/lld")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(models.FreshnessLive), rr.Header().Get(StateHeader))
	assert.JSONEq(t, `[{"{#ID}":"sensor-2","{#LOC}":"lab"}]`, rr.Body.String())

	rr = get(t, b.Handler(), "/lld?format=wrapped")
	require.Equal(t, http.StatusOK, rr.Code)

	var wrapped struct {
		Data    []map[string]string `json:"data"`
		State   string              `json:"state"`
		Removed []string            `json:"removed"`
	}

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &wrapped))
	assert.Equal(t, "live", wrapped.State)
	assert.Equal(t, []string{"sensor-1"}, wrapped.Removed)
	require.Len(t, wrapped.Data, 1)
	assert.Equal(t, "sensor-2", wrapped.Data[0]["{#ID}"])

	rr = get(t, b.Handler(), "/lld?format=xml")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLLDWithoutDataReturns503(t *testing.T) {
	cfg := testConfig(t, unreachableURL)

	b, err := New(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	defer b.Close()

	rr := get(t, b.Handler(), "/lld")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = get(t, b.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "disconnected", health["state"])
	assert.Equal(t, false, health["ever_connected"])
}

func TestLLDRequiresAPIKey(t *testing.T) {
	cfg := testConfig(t, unreachableURL)
	cfg.APIKey = "secret"

	b, err := New(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	defer b.Close()

	assert.Equal(t, http.StatusUnauthorized, get(t, b.Handler(), "/lld").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, b.Handler(), "/lld?api_key=secret").Code)
	assert.Equal(t, http.StatusOK, get(t, b.Handler(), "/healthz").Code)
}

func TestHandoffPersistsAndRestores(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		send(t, conn, `{"type":"upsert","id":"h1","attributes":{"url":"http://h1"}}`)
		drain(conn)
	})

	cfg := testConfig(t, up.url())

	ctx, cancel := context.WithCancel(context.Background())

	b, err := New(ctx, cfg, logger.NewTestLogger())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		doc, err := Query(context.Background(), cfg, logger.NewTestLogger())
		return err == nil && len(doc.Rows) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// a fresh daemon serves the hand-off before it reconnects
	cfg.Upstream.URL = unreachableURL

	restarted, err := New(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	defer restarted.Close()

	require.True(t, restarted.Restore(context.Background()))

	rr := get(t, restarted.Handler(), "/lld")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(models.FreshnessReconnecting), rr.Header().Get(StateHeader))
	assert.JSONEq(t, `[{"{#ID}":"h1","{#URL}":"http://h1"}]`, rr.Body.String())
}

func TestQueryWithoutHandoff(t *testing.T) {
	cfg := testConfig(t, unreachableURL)

	_, err := Query(context.Background(), cfg, logger.NewTestLogger())
	require.ErrorIs(t, err, lld.ErrNoData)

	cfg.Handoff.Type = handoff.TypeNone

	_, err = Query(context.Background(), cfg, logger.NewTestLogger())
	require.ErrorIs(t, err, lld.ErrNoData)
}

func TestQueryUsesPersister(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := handoff.NewMockPersister(ctrl)

	now := time.Now()
	mock.EXPECT().Load(gomock.Any()).Return(models.Snapshot{
		Entities:        []models.DiscoveredEntity{{ID: "x"}},
		GeneratedAt:     now,
		LastUpdate:      now,
		EverConnected:   true,
		ConnectionState: models.FreshnessLive,
	}, nil)

	doc, err := Query(context.Background(), testConfig(t, unreachableURL), logger.NewTestLogger(), WithPersister(mock))
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessLive, doc.State)
	require.Len(t, doc.Rows, 1)
}

func TestOneShotStopsAtHeartbeatAfterUpsert(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		send(t, conn,
			`{"type":"heartbeat"}`,
			`{"type":"upsert","id":"a"}`,
			`{"type":"upsert","id":"b"}{"type":"heartbeat"}`,
		)
		drain(conn)
	})

	cfg := testConfig(t, up.url())
	cfg.OneShot.Timeout = models.Duration(20 * time.Second)
	cfg.OneShot.CollectWindow = models.Duration(15 * time.Second)

	start := time.Now()

	doc, err := OneShot(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, models.FreshnessLive, doc.State)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "a", doc.Rows[0]["{#ID}"])

	// the collected snapshot becomes the next hand-off
	queried, err := Query(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Len(t, queried.Rows, 2)
}

func TestOneShotCollectWindow(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		send(t, conn, `{"type":"upsert","id":"only"}`)
		drain(conn)
	})

	cfg := testConfig(t, up.url())
	cfg.OneShot.CollectWindow = models.Duration(200 * time.Millisecond)

	doc, err := OneShot(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, models.FreshnessLive, doc.State)
}

func TestOneShotFallsBackToStaleHandoff(t *testing.T) {
	cfg := testConfig(t, unreachableURL)
	cfg.OneShot.Timeout = models.Duration(300 * time.Millisecond)

	now := time.Now()
	require.NoError(t, handoff.NewFilePersister(cfg.Handoff.Path).Save(context.Background(), models.Snapshot{
		Entities:        []models.DiscoveredEntity{{ID: "cached"}},
		GeneratedAt:     now,
		LastUpdate:      now,
		EverConnected:   true,
		ConnectionState: models.FreshnessLive,
	}))

	doc, err := OneShot(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessStale, doc.State)
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, "cached", doc.Rows[0]["{#ID}"])
}

func TestOneShotWithNothingAvailable(t *testing.T) {
	cfg := testConfig(t, unreachableURL)
	cfg.OneShot.Timeout = models.Duration(300 * time.Millisecond)

	_, err := OneShot(context.Background(), cfg, logger.NewTestLogger())
	require.ErrorIs(t, err, lld.ErrNoData)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Upstream: wsclient.Config{URL: "wss://feed.example/ws"}}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, lld.FormatArray, cfg.Format())
	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, defaultOneShotTimeout, cfg.OneShot.Timeout.Std())
	assert.Equal(t, defaultCollectWindow, cfg.OneShot.CollectWindow.Std())
	assert.Equal(t, handoff.TypeFile, cfg.Handoff.Type)
	assert.NotNil(t, cfg.Logging)

	missing := &Config{}
	require.ErrorContains(t, missing.Validate(), "upstream")

	badFormat := &Config{Upstream: wsclient.Config{URL: "ws://feed"}, Output: OutputConfig{Format: "csv"}}
	require.ErrorContains(t, badFormat.Validate(), "output")

	badMacro := &Config{Upstream: wsclient.Config{URL: "ws://feed"}}
	badMacro.Discovery.IDMacro = "ID"
	require.ErrorContains(t, badMacro.Validate(), "discovery")
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t, unreachableURL)

	b, err := New(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	defer b.Close()

	rr := get(t, b.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wslld_store_entities_active 0")
}
