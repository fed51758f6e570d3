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

package zabbix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeZabbix struct {
	mu        sync.Mutex
	hosts     map[string]string   // host name -> id
	scenarios map[string][]string // host id -> scenario names
	created   []map[string]interface{}
	auths     []string
	session   string
	failLogin bool
}

func newFakeZabbix() *fakeZabbix {
	return &fakeZabbix{
		hosts:     map[string]string{"web-01": "10101", "web-02": "10102"},
		scenarios: map[string][]string{"10101": {ScenarioName("http://existing.example")}},
		session:   "session-token",
	}
}

func (f *fakeZabbix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     int64           `json:"id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.auths = append(f.auths, r.Header.Get("Authorization"))

	reply := func(result interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "result": result, "id": req.ID})
	}

	replyErr := func(code int, msg, data string) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"error":   map[string]interface{}{"code": code, "message": msg, "data": data},
			"id":      req.ID,
		})
	}

	switch req.Method {
	case "user.login":
		var p map[string]string
		_ = json.Unmarshal(req.Params, &p)

		if f.failLogin || p["password"] != "secret" {
			replyErr(-32602, "Invalid params.", "Incorrect user name or password or account is temporarily blocked.")
			return
		}

		reply(f.session)
	case "host.get":
		var p struct {
			Filter map[string][]string `json:"filter"`
		}
		_ = json.Unmarshal(req.Params, &p)

		var hosts []Host

		for _, name := range p.Filter["host"] {
			if id, ok := f.hosts[name]; ok {
				hosts = append(hosts, Host{HostID: id, Host: name})
			}
		}

		reply(hosts)
	case "httptest.get":
		var p struct {
			HostIDs []string `json:"hostids"`
		}
		_ = json.Unmarshal(req.Params, &p)

		var scenarios []WebScenario

		for _, id := range p.HostIDs {
			for i, name := range f.scenarios[id] {
				scenarios = append(scenarios, WebScenario{HTTPTestID: id + "-" + string(rune('0'+i)), Name: name})
			}
		}

		reply(scenarios)
	case "httptest.create":
		var p map[string]interface{}
		_ = json.Unmarshal(req.Params, &p)

		f.created = append(f.created, p)
		hostID, _ := p["hostid"].(string)
		name, _ := p["name"].(string)
		f.scenarios[hostID] = append(f.scenarios[hostID], name)

		reply(map[string][]string{"httptestids": {"900"}})
	default:
		replyErr(-32601, "Method not found.", req.Method)
	}
}

func newTestConfig(endpoint string) *Config {
	cfg := &Config{
		Enabled:     true,
		APIEndpoint: endpoint,
		Username:    "Admin",
		Password:    "secret",
		Host:        "web-01",
	}

	_ = cfg.Validate()

	return cfg
}

type staticSource struct {
	snap models.Snapshot
}

func (s staticSource) Snapshot() models.Snapshot { return s.snap }

func TestConfigValidate(t *testing.T) {
	disabled := Config{}
	require.NoError(t, disabled.Validate())

	noEndpoint := Config{Enabled: true}
	require.ErrorIs(t, noEndpoint.Validate(), errEndpointRequired)

	noCreds := Config{Enabled: true, APIEndpoint: "http://zabbix/api_jsonrpc.php", Username: "Admin"}
	require.ErrorIs(t, noCreds.Validate(), errCredentialsRequired)

	token := Config{Enabled: true, APIEndpoint: "http://zabbix/api_jsonrpc.php", APIToken: "t"}
	require.NoError(t, token.Validate())
	assert.Equal(t, "url", token.URLAttribute)
	assert.Equal(t, "200", token.StatusCodes)
	assert.Equal(t, defaultInterval, token.Interval.Std())
}

func TestScenarioName(t *testing.T) {
	assert.Equal(t, "Check index page 'https://example.com'", ScenarioName("https://example.com"))
}

func TestClientLoginAndBearer(t *testing.T) {
	fake := newFakeZabbix()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(newTestConfig(srv.URL))
	assert.False(t, c.Authenticated())

	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.Authenticated())

	host, err := c.HostByName(context.Background(), "web-02")
	require.NoError(t, err)
	assert.Equal(t, "10102", host.HostID)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Len(t, fake.auths, 2)
	assert.Empty(t, fake.auths[0])
	assert.Equal(t, "Bearer session-token", fake.auths[1])
}

func TestClientAPIToken(t *testing.T) {
	fake := newFakeZabbix()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := newTestConfig(srv.URL)
	cfg.APIToken = "static-token"

	c := NewClient(cfg)
	require.NoError(t, c.Login(context.Background()))

	_, err := c.WebScenarios(context.Background(), "10101")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Len(t, fake.auths, 1)
	assert.Equal(t, "Bearer static-token", fake.auths[0])
}

func TestClientLoginFailure(t *testing.T) {
	fake := newFakeZabbix()
	fake.failLogin = true

	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := NewClient(newTestConfig(srv.URL)).Login(context.Background())
	require.ErrorIs(t, err, errAuthFailed)
	assert.True(t, IsAuthError(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -32602, apiErr.Code)
}

func TestClientHostNotFound(t *testing.T) {
	srv := httptest.NewServer(newFakeZabbix())
	defer srv.Close()

	_, err := NewClient(newTestConfig(srv.URL)).HostByName(context.Background(), "missing")
	require.ErrorIs(t, err, errHostNotFound)
}

func TestClientUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(newTestConfig(srv.URL)).HostByName(context.Background(), "web-01")
	require.ErrorIs(t, err, errUnexpectedStatusCode)
}

func TestIsAuthErrorSessionTerminated(t *testing.T) {
	err := &APIError{Code: -32602, Message: "Invalid params.", Data: "Session terminated, re-login, please."}
	assert.True(t, IsAuthError(err))
	assert.False(t, IsAuthError(&APIError{Code: -32500, Data: "boom"}))
}

func TestProvisionerSync(t *testing.T) {
	fake := newFakeZabbix()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	source := staticSource{snap: models.Snapshot{Entities: []models.DiscoveredEntity{
		{ID: "a", Attributes: map[string]string{"url": "http://a.example"}},
		{ID: "b", Attributes: map[string]string{"url": "http://existing.example"}},
		{ID: "c", Attributes: map[string]string{"url": "http://c.example", "host": "web-02"}},
		{ID: "d", Attributes: map[string]string{"url": "http://d.example", "host": "unknown"}},
		{ID: "e", Attributes: map[string]string{"site": "lab"}},
		{ID: "f", Attributes: map[string]string{"url": "http://a.example"}},
	}}}

	cfg := newTestConfig(srv.URL)
	p := NewProvisioner(NewClient(cfg), source, cfg, nil, logger.NewTestLogger())

	var outcomes []string

	p.OnScenario(func(result string) { outcomes = append(outcomes, result) })

	res, err := p.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Created: 2, Skipped: 2, Failed: 1}, res)
	assert.Len(t, outcomes, 5)

	fake.mu.Lock()
	require.Len(t, fake.created, 2)

	first := fake.created[0]
	assert.Equal(t, "Check index page 'http://a.example'", first["name"])
	assert.Equal(t, "10101", first["hostid"])

	steps, ok := first["steps"].([]interface{})
	require.True(t, ok)
	require.Len(t, steps, 1)

	step := steps[0].(map[string]interface{})
	assert.Equal(t, "Get page", step["name"])
	assert.Equal(t, "http://a.example", step["url"])
	assert.Equal(t, "200", step["status_codes"])
	assert.InDelta(t, 1, step["no"], 0)

	assert.Equal(t, "10102", fake.created[1]["hostid"])
	fake.mu.Unlock()

	// a second pass finds everything provisioned
	res, err = p.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 4, Failed: 1}, res)
}

func TestProvisionerLoginFailureAbortsPass(t *testing.T) {
	fake := newFakeZabbix()
	fake.failLogin = true

	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := newTestConfig(srv.URL)
	p := NewProvisioner(NewClient(cfg), staticSource{}, cfg, nil, logger.NewTestLogger())

	_, err := p.Sync(context.Background())
	require.ErrorIs(t, err, errAuthFailed)
}

func TestProvisionerRunOnTrigger(t *testing.T) {
	fake := newFakeZabbix()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	source := staticSource{snap: models.Snapshot{Entities: []models.DiscoveredEntity{
		{ID: "a", Attributes: map[string]string{"url": "http://a.example"}},
	}}}

	cfg := newTestConfig(srv.URL)
	p := NewProvisioner(NewClient(cfg), source, cfg, clock.NewFake(time.Unix(0, 0)), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- p.Run(ctx) }()

	p.Trigger()
	p.Trigger()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()

		return len(fake.created) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := newBreaker(2, time.Minute, clk, logger.NewTestLogger())

	require.True(t, b.allow())
	b.record(true)
	assert.Equal(t, BreakerClosed, b.State())

	b.record(true)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.allow())

	clk.Advance(time.Minute)
	require.True(t, b.allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// a failed trial reopens immediately
	b.record(true)
	assert.Equal(t, BreakerOpen, b.State())

	clk.Advance(time.Minute)
	require.True(t, b.allow())
	b.record(false)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestProvisionerRunSkipsPassesWhileBreakerOpen(t *testing.T) {
	fake := newFakeZabbix()
	fake.failLogin = true

	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := newTestConfig(srv.URL)
	cfg.FailureThreshold = 1

	p := NewProvisioner(NewClient(cfg), staticSource{}, cfg, clock.NewFake(time.Unix(0, 0)), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- p.Run(ctx) }()

	p.Trigger()

	require.Eventually(t, func() bool {
		return p.BreakerState() == BreakerOpen
	}, 5*time.Second, 10*time.Millisecond)

	p.Trigger()
	time.Sleep(50 * time.Millisecond)

	fake.mu.Lock()
	calls := len(fake.auths)
	fake.mu.Unlock()

	assert.Equal(t, 1, calls)

	cancel()
	require.NoError(t, <-done)
}
