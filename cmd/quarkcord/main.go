// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command quarkcord is a Discord-Lightquark message bridge. It relays
// messages between mapped Discord and Lightquark channels, posting
// Lightquark messages to Discord through per-channel webhooks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LITdevs/quarkcord/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

// newRootCommand builds the CLI. Running it without a subcommand is the same
// as "quarkcord run".
func newRootCommand() *cobra.Command {
	var configPath string
	var envFiles []string

	run := func(cmd *cobra.Command, _ []string) error {
		return runBridge(cmd.Context(), configPath, envFiles)
	}
	cmd := &cobra.Command{
		Use:           "quarkcord",
		Short:         "A Discord-Lightquark message bridge",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files to read credentials from")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the bridge",
			Args:  cobra.NoArgs,
			RunE:  run,
		},
		newExampleConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quarkcord %s (tag %s, commit %s, built %s)\n", version, Tag, Commit, BuildTime)
		},
	}
}

func runBridge(ctx context.Context, configPath string, envFiles []string) error {
	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		bootLog.Error().Err(err).Str("path", configPath).Msg("Failed to load config")
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		bootLog.Error().Err(err).Msg("Failed to configure logging")
		return err
	}
	creds, err := connector.LoadCredentials(envFiles...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load credentials")
		return err
	}

	log.Info().
		Str("version", version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Starting quarkcord")

	bridge, err := connector.NewBridge(cfg, creds, *log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize bridge")
		return err
	}
	if err := bridge.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Bridge exited with error")
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "quarkcord:", err)
		stop()
		os.Exit(1)
	}
}
