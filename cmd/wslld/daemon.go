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

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/carverauto/wslld/pkg/bridge"
	"github.com/carverauto/wslld/pkg/lifecycle"
	"github.com/carverauto/wslld/pkg/version"
	"github.com/spf13/cobra"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the bridge and serve /lld, /healthz and /metrics",
		Long: `Run the long-lived bridge. It keeps the upstream connection alive,
maintains the discovery snapshot, persists it to the configured hand-off and
serves it over HTTP.

Examples:
  wslld daemon --config /etc/wslld/wslld.yaml
  CONFIG_SOURCE=env WSLLD_UPSTREAM_URL=wss://feed.example/ws wslld daemon`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, opts)
		},
	}
}

func runDaemon(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}

	log, err := newLogger(ctx, cfg, "")
	if err != nil {
		return err
	}

	defer func() { _ = lifecycle.ShutdownLogger() }()

	log.Info().
		Str("version", version.GetFullVersion()).
		Str("upstream", cfg.Upstream.URL).
		Str("listen_addr", cfg.ListenAddr).
		Str("handoff", cfg.Handoff.Type).
		Msg("Starting wslld daemon")

	b, err := bridge.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	if err := b.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("wslld daemon stopped")

	return nil
}
