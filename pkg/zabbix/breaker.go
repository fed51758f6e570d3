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
	"sync"
	"time"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/logger"
)

// BreakerState is the state of the provisioning circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets passes run.
	BreakerClosed BreakerState = iota
	// BreakerOpen skips passes until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets one trial pass through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker stops provisioning passes from hammering an unavailable Zabbix
// API. A pass fails when login fails or when every attempted entity
// failed.
type breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    logger.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func newBreaker(threshold int, cooldown time.Duration, clk clock.Clock, log logger.Logger) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		logger:    log,
	}
}

// allow reports whether a pass may run now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}

		b.state = BreakerHalfOpen
		b.logger.Info().Msg("Zabbix circuit breaker half-open, trying one pass")

		return true
	default:
		return true
	}
}

func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		if b.state != BreakerClosed {
			b.logger.Info().Msg("Zabbix circuit breaker closed after successful pass")
		}

		b.state = BreakerClosed
		b.failures = 0

		return
	}

	b.failures++

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()

		b.logger.Warn().
			Int("failure_count", b.failures).
			Dur("cooldown", b.cooldown).
			Msg("Zabbix circuit breaker opened")
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}
