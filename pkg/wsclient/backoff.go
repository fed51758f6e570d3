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
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff produces reconnect delays: exponential from Initial by Multiplier
// up to Max, with up to Jitter fraction added on top. Delays never decrease
// until Reset and the sequence never ends.
type Backoff struct {
	mu     sync.Mutex
	exp    *backoff.ExponentialBackOff
	jitter float64
	max    time.Duration
	last   time.Duration
	rand   func() float64
}

// NewBackoff builds a Backoff from a validated config.
func NewBackoff(cfg BackoffConfig) *Backoff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Initial.Std(),
		RandomizationFactor: 0,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.Max.Std(),
	}
	exp.Reset()

	return &Backoff{
		exp:    exp,
		jitter: cfg.Jitter,
		max:    cfg.Max.Std(),
		rand:   rand.Float64,
	}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.exp.NextBackOff()

	delay := base + time.Duration(float64(base)*b.jitter*b.rand())
	if delay > b.max {
		delay = b.max
	}

	if delay < b.last {
		delay = b.last
	}

	b.last = delay

	return delay
}

// Reset returns the curve to its initial delay after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exp.Reset()
	b.last = 0
}
