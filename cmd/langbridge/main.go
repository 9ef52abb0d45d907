// Package main is the entry point for the langbridge language server bridge.
//
// The editor starts langbridge as a child process and speaks JSON-RPC to it
// over stdin and stdout. Logs go to stderr or the configured log file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/langbridge/internal/bridge"
	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type flags struct {
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "langbridge",
		Short:         "Multiplex one editor connection onto many language servers",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", config.DefaultPath(), "path to configuration file")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.logFile, "log-file", "", "write logs to this file instead of stderr")
	root.PersistentFlags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the editor over stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	})
	return root
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFile != "" {
		cfg.Log.File = f.logFile
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	return cfg, nil
}

func serve(ctx context.Context, f flags) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return err
	}

	log, closer, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File, Console: cfg.Log.Console})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open log: %v\n", err)
		return err
	}
	defer closer.Close()
	log = log.With().Str("version", version).Logger()

	b, err := bridge.New(cfg, os.Stdin, os.Stdout, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		ms, err := bridge.ListenMetrics(cfg.Metrics.Addr, logging.Component(log, "metrics"))
		if err != nil {
			log.Error().Err(err).Msg("failed to start metrics")
			_ = b.Close(ctx)
			return err
		}
		g.Go(func() error { return ms.Serve(gctx) })
	}
	g.Go(func() error {
		// The bridge ending, for any reason, ends the process.
		defer cancel()
		return b.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("bridge stopped with error")
		return err
	}
	log.Info().Msg("bridge stopped")
	return nil
}
