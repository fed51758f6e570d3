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
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/carverauto/wslld/pkg/bridge"
	"github.com/carverauto/wslld/pkg/config"
	"github.com/carverauto/wslld/pkg/lifecycle"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/version"
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "/etc/wslld/wslld.yaml"
	errorExitCode     = 1
)

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	return errorExitCode
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wslld",
		Short: "WebSocket feed to Zabbix low-level discovery bridge",
		Long: `wslld keeps a live discovery snapshot from a WebSocket feed and serves it
as Zabbix low-level discovery JSON.

  wslld daemon              Run the bridge with its HTTP endpoint
  wslld query [--connect]   Print the discovery document on stdout
  wslld version             Print version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the config file (.json, .yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"set logging level. possible values: debug, info, error, warn, trace")

	cmd.AddCommand(newDaemonCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.GetFullVersion())
		},
	}
}

// loadConfig loads and validates the config document. Messages emitted
// while loading go to stderr.
func loadConfig(ctx context.Context, opts *rootOptions) (*bridge.Config, error) {
	var cfg bridge.Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, opts.configPath, &cfg); err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(opts.logLevel)
	}

	return &cfg, nil
}

func newLogger(ctx context.Context, cfg *bridge.Config, output string) (logger.Logger, error) {
	logCfg := *cfg.Logging
	if output != "" {
		logCfg.Output = output
	}

	logger.ServiceVersion = version.GetVersion()

	return lifecycle.CreateComponentLogger(ctx, "wslld", &logCfg)
}
