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
	"testing"
	"time"

	"github.com/carverauto/wslld/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackoffConfig(initial, maxDelay time.Duration, multiplier, jitter float64) BackoffConfig {
	return BackoffConfig{
		Initial:    models.Duration(initial),
		Multiplier: multiplier,
		Max:        models.Duration(maxDelay),
		Jitter:     jitter,
	}
}

func TestBackoffExponentialWithoutJitter(t *testing.T) {
	b := NewBackoff(testBackoffConfig(100*time.Millisecond, time.Second, 2, 0))

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}

	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}
}

func TestBackoffNonDecreasingAndUnbounded(t *testing.T) {
	jitters := []float64{0, 0.1, 0.5, 0.9}

	for _, jitter := range jitters {
		b := NewBackoff(testBackoffConfig(50*time.Millisecond, 5*time.Second, 1.5, jitter))

		// alternate the jitter draw between its extremes
		draw := 0
		b.rand = func() float64 {
			draw++
			if draw%2 == 0 {
				return 0
			}

			return 0.999
		}

		prev := time.Duration(0)

		for i := 0; i < 1000; i++ {
			d := b.Next()

			require.GreaterOrEqual(t, d, prev, "jitter %v attempt %d", jitter, i)
			require.LessOrEqual(t, d, 5*time.Second)
			require.Positive(t, d)

			prev = d
		}

		assert.Equal(t, 5*time.Second, prev)
	}
}

func TestBackoffJitterAddsOnTop(t *testing.T) {
	b := NewBackoff(testBackoffConfig(time.Second, time.Minute, 2, 0.5))
	b.rand = func() float64 { return 1 }

	assert.Equal(t, 1500*time.Millisecond, b.Next())
	assert.Equal(t, 3*time.Second, b.Next())
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(testBackoffConfig(10*time.Millisecond, time.Second, 3, 0))

	b.Next()
	b.Next()
	b.Next()

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoffConfigValidate(t *testing.T) {
	var cfg BackoffConfig
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Initial.Std())
	assert.Equal(t, time.Minute, cfg.Max.Std())
	assert.InDelta(t, 2.0, cfg.Multiplier, 0)

	bad := testBackoffConfig(time.Second, time.Minute, 0.5, 0)
	require.ErrorIs(t, bad.Validate(), errInvalidMultiplier)

	bad = testBackoffConfig(time.Second, time.Minute, 2, 1)
	require.ErrorIs(t, bad.Validate(), errInvalidJitter)

	bad = testBackoffConfig(time.Minute, time.Second, 2, 0)
	require.ErrorIs(t, bad.Validate(), errInvalidMaxBackoff)
}
