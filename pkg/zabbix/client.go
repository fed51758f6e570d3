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

// Package zabbix provisions Zabbix web scenarios for discovered entities
// through the Zabbix JSON-RPC API.
package zabbix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	jsonRPCVersion = "2.0"
	maxErrorBody   = 1024

	scenarioPrefix = "Check index page '"

	// ScenarioStepName is the name of the single step of every scenario.
	ScenarioStepName = "Get page"
)

// ScenarioName returns the web scenario name used for url.
func ScenarioName(url string) string {
	return scenarioPrefix + url + "'"
}

// Host is the subset of a Zabbix host object the provisioner needs.
type Host struct {
	HostID string `json:"hostid"`
	Host   string `json:"host"`
}

// WebScenario is the subset of a Zabbix httptest object the provisioner needs.
type WebScenario struct {
	HTTPTestID string `json:"httptestid"`
	Name       string `json:"name"`
}

// WebScenarioStep is one step of a web scenario.
type WebScenarioStep struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	StatusCodes string `json:"status_codes"`
	No          int    `json:"no"`
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *APIError       `json:"error"`
	ID      int64           `json:"id"`
}

// Client is a minimal Zabbix API client. It authenticates either with a
// static API token or with user.login, and sends the credential as a bearer
// token on every call.
type Client struct {
	endpoint   string
	httpClient *http.Client
	username   string
	password   string
	apiToken   string

	mu      sync.RWMutex
	session string
	nextID  atomic.Int64
}

// NewClient builds a client from cfg.
func NewClient(cfg *Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}

	return &Client{
		endpoint: cfg.APIEndpoint,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout.Std(),
			Transport: transport,
		},
		username: cfg.Username,
		password: cfg.Password,
		apiToken: cfg.APIToken,
	}
}

// Login obtains a session unless an API token is configured.
func (c *Client) Login(ctx context.Context) error {
	if c.apiToken != "" {
		return nil
	}

	params := map[string]string{
		"username": c.username,
		"password": c.password,
	}

	var session string

	if err := c.call(ctx, "user.login", params, &session, false); err != nil {
		return fmt.Errorf("%w: %w", errAuthFailed, err)
	}

	if session == "" {
		return fmt.Errorf("%w: %w", errAuthFailed, errEmptyResult)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	return nil
}

// InvalidateSession clears the cached session so the next pass logs in again.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
}

// Authenticated reports whether a credential is available.
func (c *Client) Authenticated() bool {
	return c.credential() != ""
}

func (c *Client) credential() string {
	if c.apiToken != "" {
		return c.apiToken
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.session
}

// HostByName resolves a technical host name to its host object.
func (c *Client) HostByName(ctx context.Context, name string) (*Host, error) {
	params := map[string]interface{}{
		"output": []string{"hostid", "host"},
		"filter": map[string][]string{"host": {name}},
	}

	var hosts []Host

	if err := c.call(ctx, "host.get", params, &hosts, true); err != nil {
		return nil, err
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: %s", errHostNotFound, name)
	}

	return &hosts[0], nil
}

// WebScenarios lists the provisioned scenarios on a host.
func (c *Client) WebScenarios(ctx context.Context, hostID string) ([]WebScenario, error) {
	params := map[string]interface{}{
		"output":      []string{"httptestid", "name"},
		"hostids":     []string{hostID},
		"search":      map[string]string{"name": scenarioPrefix},
		"startSearch": true,
	}

	var scenarios []WebScenario

	if err := c.call(ctx, "httptest.get", params, &scenarios, true); err != nil {
		return nil, err
	}

	return scenarios, nil
}

// CreateWebScenario creates a single-step scenario checking url on a host.
func (c *Client) CreateWebScenario(ctx context.Context, hostID, url, statusCodes string) (string, error) {
	params := map[string]interface{}{
		"name":   ScenarioName(url),
		"hostid": hostID,
		"steps": []WebScenarioStep{{
			Name:        ScenarioStepName,
			URL:         url,
			StatusCodes: statusCodes,
			No:          1,
		}},
	}

	var result struct {
		HTTPTestIDs []string `json:"httptestids"`
	}

	if err := c.call(ctx, "httptest.create", params, &result, true); err != nil {
		return "", err
	}

	if len(result.HTTPTestIDs) == 0 {
		return "", errEmptyResult
	}

	return result.HTTPTestIDs[0], nil
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}, auth bool) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json-rpc")
	req.Header.Set("Accept", "application/json")

	if auth {
		req.Header.Set("Authorization", "Bearer "+c.credential())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("%w: %d, response: %s", errUnexpectedStatusCode, resp.StatusCode, string(bodyBytes))
	}

	var rpcResp rpcResponse

	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}

// IsAuthError reports whether err indicates an expired or invalid session.
func IsAuthError(err error) bool {
	if errors.Is(err, errAuthFailed) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == -32602 && strings.Contains(apiErr.Data, "re-login")
	}

	return false
}
