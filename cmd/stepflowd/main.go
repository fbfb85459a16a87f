// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// stepflowd is the workflow agent daemon: it loads configuration, wires
// the catalogue, journal, tool client, and engine together, and serves
// the agent-protocol RPC boundary until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/stepflow/internal/catalog"
	"github.com/tombee/stepflow/internal/config"
	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/journal"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/manager"
	"github.com/tombee/stepflow/internal/server"
	"github.com/tombee/stepflow/internal/tool"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type options struct {
	listenAddr    string
	mcpServerURL  string
	sqliteJournal string
	showVersion   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "stepflowd",
		Short:         "Workflow agent daemon",
		Long:          "stepflowd executes data-driven workflows and exposes them over an agent-protocol RPC boundary.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Printf("stepflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
				return nil
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "Listen address (overrides the config store)")
	cmd.Flags().StringVar(&opts.mcpServerURL, "mcp-url", "", "Tool server URL (overrides the config store)")
	cmd.Flags().StringVar(&opts.sqliteJournal, "sqlite-journal", "", "Journal the step runs in a local SQLite file instead of the shared database")
	cmd.Flags().BoolVar(&opts.showVersion, "version", false, "Show version information")

	return cmd
}

func run(parent context.Context, opts *options) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, db, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer db.Close()

	// The config store may raise or lower the level chosen from env.
	if cfg.LogLevel != "" {
		logCfg := log.FromEnv()
		logCfg.Level = cfg.LogLevel
		logger = log.New(logCfg)
		slog.SetDefault(logger)
	}

	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.mcpServerURL != "" {
		cfg.MCPServerURL = opts.mcpServerURL
	}

	var store journal.Store
	if opts.sqliteJournal != "" {
		store, err = journal.NewSQLite(opts.sqliteJournal)
	} else {
		store, err = journal.NewPostgres(journal.PostgresConfig{ConnectionString: cfg.DSN()})
	}
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer store.Close()

	cat, err := catalog.New(db, catalog.DialectPostgres, logger)
	if err != nil {
		return fmt.Errorf("failed to create catalogue: %w", err)
	}

	tools := tool.NewClient(cfg.MCPServerURL, tool.DefaultTimeout, logger)
	eng := engine.New(tools, store, logger)
	mgr := manager.New(cat, store, eng, tools, logger)

	srv := server.New(server.Config{
		AgentName:  cfg.AppName,
		ListenAddr: cfg.ListenAddr,
		BaseURL:    cfg.A2AServerURL,
		Logger:     logger,
	}, mgr)

	logger.Info("stepflowd starting",
		"version", version,
		"env", cfg.Env,
		"listen_addr", cfg.ListenAddr,
		"mcp_server_url", cfg.MCPServerURL)

	return srv.Run(ctx)
}
