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
	"fmt"
	"time"

	"github.com/carverauto/wslld/pkg/handoff"
	"github.com/carverauto/wslld/pkg/lld"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/carverauto/wslld/pkg/natsutil"
	"github.com/carverauto/wslld/pkg/wsclient"
	"github.com/carverauto/wslld/pkg/zabbix"
)

const (
	defaultListenAddr     = ":9780"
	defaultOneShotTimeout = 30 * time.Second
	defaultCollectWindow  = 5 * time.Second
)

// OutputConfig controls how documents are rendered by the CLI and /lld.
type OutputConfig struct {
	Format        string `json:"format" yaml:"format"`
	StaleExitCode int    `json:"stale_exit_code" yaml:"stale_exit_code"`
}

// OneShotConfig bounds the single-invocation network path.
type OneShotConfig struct {
	Timeout       models.Duration `json:"timeout" yaml:"timeout"`
	CollectWindow models.Duration `json:"collect_window" yaml:"collect_window"`
}

// Config is the complete wslld configuration document.
type Config struct {
	Upstream   wsclient.Config        `json:"upstream" yaml:"upstream"`
	Backoff    wsclient.BackoffConfig `json:"backoff" yaml:"backoff"`
	Discovery  lld.Config             `json:"discovery" yaml:"discovery"`
	Output     OutputConfig           `json:"output" yaml:"output"`
	Handoff    handoff.Config         `json:"handoff" yaml:"handoff"`
	ListenAddr string                 `json:"listen_addr" yaml:"listen_addr"`
	APIKey     string                 `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Events     natsutil.Config        `json:"events" yaml:"events"`
	Zabbix     zabbix.Config          `json:"zabbix" yaml:"zabbix"`
	OneShot    OneShotConfig          `json:"oneshot" yaml:"oneshot"`
	Logging    *logger.Config         `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Validate implements config.Validator. It validates every section and
// fills in defaults.
func (c *Config) Validate() error {
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}

	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	format, err := lld.ParseFormat(c.Output.Format)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}

	c.Output.Format = string(format)

	if err := c.Handoff.Validate(); err != nil {
		return fmt.Errorf("handoff: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}

	if err := c.Zabbix.Validate(); err != nil {
		return fmt.Errorf("zabbix: %w", err)
	}

	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	c.OneShot.Timeout = c.OneShot.Timeout.OrDefault(defaultOneShotTimeout)
	c.OneShot.CollectWindow = c.OneShot.CollectWindow.OrDefault(defaultCollectWindow)

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	return nil
}

// Format returns the configured output format.
func (c *Config) Format() lld.Format {
	return lld.Format(c.Output.Format)
}
