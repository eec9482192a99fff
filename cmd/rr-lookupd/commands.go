package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/config"
)

// newRootCmd builds the command tree. The root command runs the server.
func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   appName + " [watch-dir]",
		Short: "Line lookup server",
		Long: fmt.Sprintf(`%s (v%s)

Answers newline-terminated queries over TCP or TLS with STRING EXISTS or
STRING NOT FOUND, depending on whether the query equals a line of the
configured text file. Settings come from --config, a .env file next to it
and LOOKUP_* environment variables.

In development mode the optional watch-dir argument overrides watch_dir.`, appName, version),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			watchDir := cfg.WatchDir
			if len(args) > 0 {
				watchDir = args[0]
			}
			return serve(cmd, cfg, watchDir)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a JSON config file")

	root.AddCommand(newQueryCmd(&configFile), newVersionCmd())
	return root
}

func serve(cmd *cobra.Command, cfg *config.AppConfig, watchDir string) error {
	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}
	defer log.Sync()

	log.Info(map[string]any{
		"version":         version,
		"env":             cfg.Env,
		"log_level":       cfg.LogLevel,
		"address":         cfg.Address(),
		"use_ssl":         cfg.UseSSL,
		"txt_file":        cfg.TxtFile,
		"reread_on_query": cfg.RereadOnQuery,
		"development":     cfg.Development,
	}, "Starting RR-Lookup server")

	app, err := buildApplication(cfg, watchDir, runtime.NumCPU())
	if err != nil {
		log.Error(map[string]any{"error": err}, "Failed to build application")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Error(map[string]any{"error": err}, "Server failed")
		return err
	}

	log.Info(nil, "RR-Lookup server stopped")
	return nil
}

func newQueryCmd(configFile *string) *cobra.Command {
	opts := queryOptions{
		Address: "localhost:8080",
		Timeout: 5 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "query <text>...",
		Short: "Send queries to a running server and print each verdict",
		Long: `Send each argument as one query line over a single connection and print
the server's response lines. With --config the address and TLS setting are
taken from the configuration unless --addr or --tls is given. Certificates
are not verified.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configFile != "" {
				cfg, err := config.Load(*configFile)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("addr") {
					opts.Address = cfg.Address()
				}
				if !cmd.Flags().Changed("tls") {
					opts.TLS = cfg.UseSSL
				}
			}
			return runQuery(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.Address, "addr", "a", opts.Address, "server address as host:port")
	cmd.Flags().BoolVar(&opts.TLS, "tls", false, "connect with TLS")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", opts.Timeout, "dial and per-query timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + appName,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, version)
		},
	}
}
