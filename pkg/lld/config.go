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
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/carverauto/wslld/pkg/models"
)

var (
	errInvalidIDMacro = errors.New("id_macro must look like {#NAME} with NAME in [A-Z0-9_.]")
	errInvalidFormat  = errors.New("output format must be array or wrapped")
)

const (
	defaultStalenessThreshold = 5 * time.Minute
	defaultReconnectGrace     = 2 * time.Minute
	defaultTombstoneTTL       = 60 * time.Second

	// DefaultIDMacro carries the entity identity in every row.
	DefaultIDMacro = "{#ID}"
)

var macroPattern = regexp.MustCompile(`^\{#[A-Z0-9_.]+\}$`)

// Config controls freshness tagging and row layout.
type Config struct {
	StalenessThreshold models.Duration `json:"staleness_threshold" yaml:"staleness_threshold"`
	ReconnectGrace     models.Duration `json:"reconnect_grace" yaml:"reconnect_grace"`
	TombstoneTTL       models.Duration `json:"tombstone_ttl" yaml:"tombstone_ttl"`
	IDMacro            string          `json:"id_macro" yaml:"id_macro"`
}

// Validate implements config.Validator and fills in defaults.
func (c *Config) Validate() error {
	c.StalenessThreshold = c.StalenessThreshold.OrDefault(defaultStalenessThreshold)
	c.ReconnectGrace = c.ReconnectGrace.OrDefault(defaultReconnectGrace)
	c.TombstoneTTL = c.TombstoneTTL.OrDefault(defaultTombstoneTTL)

	if c.IDMacro == "" {
		c.IDMacro = DefaultIDMacro
	}

	if !macroPattern.MatchString(c.IDMacro) {
		return fmt.Errorf("%w: %q", errInvalidIDMacro, c.IDMacro)
	}

	return nil
}

// Format selects the rendered document shape.
type Format string

const (
	// FormatArray is the bare row array understood by Zabbix 4.2 and later.
	FormatArray Format = "array"
	// FormatWrapped adds freshness metadata around the rows under "data".
	FormatWrapped Format = "wrapped"
)

// ParseFormat validates a format name; empty means FormatArray.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatArray:
		return FormatArray, nil
	case FormatWrapped:
		return FormatWrapped, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidFormat, s)
	}
}
