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
	"fmt"
	"io"

	"github.com/carverauto/wslld/pkg/bridge"
	"github.com/carverauto/wslld/pkg/lifecycle"
	"github.com/carverauto/wslld/pkg/lld"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	connect bool
	format  string
}

func newQueryCmd(root *rootOptions) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print the discovery document on stdout",
		Long: `Print the current discovery document as LLD JSON. By default the
document is read from the snapshot hand-off written by the daemon; with
--connect the upstream feed is contacted first and the hand-off is only
used when it cannot be reached.

Exit code is 0 for a valid document, output.stale_exit_code when that
document is stale and 1 when no data is available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd.Context(), root, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.connect, "connect", false, "connect to the upstream feed before answering")
	cmd.Flags().StringVar(&opts.format, "format", "", "output format: array or wrapped (default from config)")

	return cmd
}

func runQuery(ctx context.Context, root *rootOptions, opts *queryOptions, out io.Writer) error {
	cfg, err := loadConfig(ctx, root)
	if err != nil {
		return err
	}

	format := cfg.Format()

	if opts.format != "" {
		if format, err = lld.ParseFormat(opts.format); err != nil {
			return err
		}
	}

	// stdout carries only the document
	log, err := newLogger(ctx, cfg, "stderr")
	if err != nil {
		return err
	}

	defer func() { _ = lifecycle.ShutdownLogger() }()

	var doc *lld.Document

	if opts.connect {
		doc, err = bridge.OneShot(ctx, cfg, log)
	} else {
		doc, err = bridge.Query(ctx, cfg, log)
	}

	if err != nil {
		return err
	}

	body, err := doc.Render(format)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintln(out, string(body)); err != nil {
		return err
	}

	if doc.Stale() {
		log.Warn().Time("last_update", doc.LastUpdate).Msg("Discovery data is stale")

		if cfg.Output.StaleExitCode != 0 {
			return &exitError{code: cfg.Output.StaleExitCode}
		}
	}

	return nil
}
