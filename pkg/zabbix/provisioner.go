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
	"fmt"

	"github.com/carverauto/wslld/pkg/clock"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
)

// Scenario outcomes reported to the observer.
const (
	ResultCreated = "created"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// API is the part of the Zabbix API the provisioner uses.
type API interface {
	Login(ctx context.Context) error
	Authenticated() bool
	InvalidateSession()
	HostByName(ctx context.Context, name string) (*Host, error)
	WebScenarios(ctx context.Context, hostID string) ([]WebScenario, error)
	CreateWebScenario(ctx context.Context, hostID, url, statusCodes string) (string, error)
}

// EntitySource provides the current set of active entities.
type EntitySource interface {
	Snapshot() models.Snapshot
}

// Result summarizes one provisioning pass.
type Result struct {
	Created int
	Skipped int
	Failed  int
}

// Provisioner ensures a web scenario exists for every entity that carries
// a URL attribute.
type Provisioner struct {
	api     API
	source  EntitySource
	cfg     Config
	clock   clock.Clock
	logger  logger.Logger
	observe func(result string)
	trigger chan struct{}
	breaker *breaker
}

// NewProvisioner builds a provisioner. cfg must already be validated.
func NewProvisioner(api API, source EntitySource, cfg *Config, clk clock.Clock, log logger.Logger) *Provisioner {
	if clk == nil {
		clk = clock.Real()
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultBreakerLimit
	}

	return &Provisioner{
		api:     api,
		source:  source,
		cfg:     *cfg,
		clock:   clk,
		logger:  log,
		trigger: make(chan struct{}, 1),
		breaker: newBreaker(threshold, cfg.BreakerCooldown.OrDefault(defaultCooldown).Std(), clk, log),
	}
}

// BreakerState reports the state of the circuit breaker guarding passes.
func (p *Provisioner) BreakerState() BreakerState {
	return p.breaker.State()
}

// OnScenario registers fn to be called with the outcome for every entity
// considered by a pass.
func (p *Provisioner) OnScenario(fn func(result string)) {
	p.observe = fn
}

// Trigger requests a pass without waiting for the next interval. It never
// blocks.
func (p *Provisioner) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass on every interval tick and on every trigger until ctx
// is done.
func (p *Provisioner) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case <-p.trigger:
		}

		if !p.breaker.allow() {
			p.logger.Debug().Msg("Skipping provisioning pass, circuit breaker open")

			continue
		}

		res, err := p.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			p.breaker.record(true)
			p.logger.Error().Err(err).Msg("Web scenario provisioning pass failed")

			continue
		}

		p.breaker.record(res.Failed > 0 && res.Created == 0 && res.Skipped == 0)

		p.logger.Debug().
			Int("created", res.Created).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Msg("Web scenario provisioning pass complete")
	}
}

type hostScenarios struct {
	hostID   string
	existing map[string]struct{}
	err      error
}

// Sync runs one provisioning pass. Per-entity failures are logged and
// counted; only a failed login aborts the pass.
func (p *Provisioner) Sync(ctx context.Context) (Result, error) {
	var res Result

	if !p.api.Authenticated() {
		if err := p.api.Login(ctx); err != nil {
			return res, err
		}
	}

	snap := p.source.Snapshot()
	hosts := make(map[string]*hostScenarios)

	for _, entity := range snap.Entities {
		url := entity.Attributes[p.cfg.URLAttribute]
		if url == "" {
			continue
		}

		hostName := entity.Attributes[HostAttribute]
		if hostName == "" {
			hostName = p.cfg.Host
		}

		if hostName == "" {
			p.fail(&res, entity.ID, url, errHostRequired)

			continue
		}

		hs := p.lookupHost(ctx, hosts, hostName)
		if hs.err != nil {
			p.fail(&res, entity.ID, url, hs.err)

			continue
		}

		name := ScenarioName(url)
		if _, ok := hs.existing[name]; ok {
			res.Skipped++
			p.report(ResultSkipped)

			continue
		}

		if _, err := p.api.CreateWebScenario(ctx, hs.hostID, url, p.cfg.StatusCodes); err != nil {
			if IsAuthError(err) {
				p.api.InvalidateSession()
			}

			p.fail(&res, entity.ID, url, err)

			continue
		}

		hs.existing[name] = struct{}{}
		res.Created++
		p.report(ResultCreated)

		p.logger.Info().Str("entity_id", entity.ID).Str("url", url).Str("host", hostName).
			Msg("Web scenario has been created")
	}

	return res, nil
}

func (p *Provisioner) lookupHost(ctx context.Context, hosts map[string]*hostScenarios, name string) *hostScenarios {
	if hs, ok := hosts[name]; ok {
		return hs
	}

	hs := &hostScenarios{existing: make(map[string]struct{})}
	hosts[name] = hs

	host, err := p.api.HostByName(ctx, name)
	if err != nil {
		hs.err = fmt.Errorf("failed to resolve host %s: %w", name, err)

		return hs
	}

	hs.hostID = host.HostID

	scenarios, err := p.api.WebScenarios(ctx, host.HostID)
	if err != nil {
		hs.err = fmt.Errorf("failed to list web scenarios on %s: %w", name, err)

		return hs
	}

	for _, s := range scenarios {
		hs.existing[s.Name] = struct{}{}
	}

	return hs
}

func (p *Provisioner) fail(res *Result, entityID, url string, err error) {
	res.Failed++
	p.report(ResultFailed)

	p.logger.Error().Err(err).Str("entity_id", entityID).Str("url", url).
		Msg("Unable to create web scenario")
}

func (p *Provisioner) report(result string) {
	if p.observe != nil {
		p.observe(result)
	}
}
