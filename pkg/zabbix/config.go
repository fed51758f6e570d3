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
	"time"

	"github.com/carverauto/wslld/pkg/models"
)

const (
	defaultURLAttribute = "url"
	defaultInterval     = 5 * time.Minute
	defaultStatusCodes  = "200"
	defaultHTTPTimeout  = 30 * time.Second
	defaultBreakerLimit = 3
	defaultCooldown     = 15 * time.Minute

	// HostAttribute overrides the target host for one entity.
	HostAttribute = "host"
)

// Config controls web-scenario provisioning.
type Config struct {
	Enabled            bool            `json:"enabled" yaml:"enabled"`
	APIEndpoint        string          `json:"api_endpoint" yaml:"api_endpoint"`
	Username           string          `json:"username" yaml:"username"`
	Password           string          `json:"password" yaml:"password"`
	APIToken           string          `json:"api_token" yaml:"api_token"`
	Host               string          `json:"host" yaml:"host"`
	URLAttribute       string          `json:"url_attribute" yaml:"url_attribute"`
	Interval           models.Duration `json:"interval" yaml:"interval"`
	StatusCodes        string          `json:"status_codes" yaml:"status_codes"`
	Timeout            models.Duration `json:"timeout" yaml:"timeout"`
	InsecureSkipVerify bool            `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	// FailureThreshold consecutive failed passes open the circuit breaker
	// for BreakerCooldown.
	FailureThreshold int             `json:"failure_threshold" yaml:"failure_threshold"`
	BreakerCooldown  models.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// Validate implements config.Validator and fills in defaults.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.APIEndpoint == "" {
		return errEndpointRequired
	}

	if c.APIToken == "" && (c.Username == "" || c.Password == "") {
		return errCredentialsRequired
	}

	if c.URLAttribute == "" {
		c.URLAttribute = defaultURLAttribute
	}

	if c.StatusCodes == "" {
		c.StatusCodes = defaultStatusCodes
	}

	c.Interval = c.Interval.OrDefault(defaultInterval)
	c.Timeout = c.Timeout.OrDefault(defaultHTTPTimeout)
	c.BreakerCooldown = c.BreakerCooldown.OrDefault(defaultCooldown)

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultBreakerLimit
	}

	return nil
}
