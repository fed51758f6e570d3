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

package wsclient

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/carverauto/wslld/pkg/models"
)

var (
	errURLRequired       = errors.New("upstream url is required")
	errUnsupportedScheme = errors.New("upstream url scheme must be ws or wss")
	errInvalidMultiplier = errors.New("backoff multiplier must be >= 1")
	errInvalidJitter     = errors.New("backoff jitter must be in [0, 1)")
	errInvalidMaxBackoff = errors.New("backoff max must be >= initial")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second
	defaultMaxMessageBytes  = 1 << 20

	defaultBackoffInitial    = time.Second
	defaultBackoffMultiplier = 2.0
	defaultBackoffMax        = 60 * time.Second
	defaultBackoffJitter     = 0.1
)

// Config describes the upstream feed connection.
type Config struct {
	URL                string          `json:"url" yaml:"url"`
	AuthToken          string          `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	AuthTokenEnv       string          `json:"auth_token_env,omitempty" yaml:"auth_token_env,omitempty"`
	Topics             []string        `json:"topics,omitempty" yaml:"topics,omitempty"`
	HandshakeTimeout   models.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout        models.Duration `json:"read_timeout" yaml:"read_timeout"`
	PingInterval       models.Duration `json:"ping_interval" yaml:"ping_interval"`
	PongTimeout        models.Duration `json:"pong_timeout" yaml:"pong_timeout"`
	HeartbeatTimeout   models.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxMessageBytes    int             `json:"max_message_bytes" yaml:"max_message_bytes"`
	InsecureSkipVerify bool            `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Validate implements config.Validator and fills in defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errURLRequired
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q", errUnsupportedScheme, u.Scheme)
	}

	c.HandshakeTimeout = c.HandshakeTimeout.OrDefault(defaultHandshakeTimeout)
	c.ReadTimeout = c.ReadTimeout.OrDefault(defaultReadTimeout)
	c.PongTimeout = c.PongTimeout.OrDefault(defaultPongTimeout)
	c.HeartbeatTimeout = c.HeartbeatTimeout.OrDefault(defaultHeartbeatTimeout)

	// a negative ping interval disables control pings
	if c.PingInterval == 0 {
		c.PingInterval = models.Duration(defaultPingInterval)
	}

	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}

	return nil
}

// Token returns the bearer token, preferring the inline value over the
// environment variable named by AuthTokenEnv.
func (c *Config) Token() string {
	if c.AuthToken != "" {
		return c.AuthToken
	}

	if c.AuthTokenEnv != "" {
		return os.Getenv(c.AuthTokenEnv)
	}

	return ""
}

// BackoffConfig shapes the reconnect delay curve.
type BackoffConfig struct {
	Initial    models.Duration `json:"initial" yaml:"initial"`
	Multiplier float64         `json:"multiplier" yaml:"multiplier"`
	Max        models.Duration `json:"max" yaml:"max"`
	Jitter     float64         `json:"jitter" yaml:"jitter"`
}

// Validate implements config.Validator and fills in defaults.
func (c *BackoffConfig) Validate() error {
	c.Initial = c.Initial.OrDefault(defaultBackoffInitial)
	c.Max = c.Max.OrDefault(defaultBackoffMax)

	if c.Multiplier == 0 {
		c.Multiplier = defaultBackoffMultiplier
	}

	if c.Multiplier < 1 {
		return fmt.Errorf("%w: %v", errInvalidMultiplier, c.Multiplier)
	}

	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("%w: %v", errInvalidJitter, c.Jitter)
	}

	if c.Max < c.Initial {
		return errInvalidMaxBackoff
	}

	return nil
}

// DefaultBackoffConfig returns the backoff used when none is configured.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    models.Duration(defaultBackoffInitial),
		Multiplier: defaultBackoffMultiplier,
		Max:        models.Duration(defaultBackoffMax),
		Jitter:     defaultBackoffJitter,
	}
}
