package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/profiles"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the colony engine and its HTTP API",
	Long: `Run the colony engine in the foreground.

Profiles are read from the profiles file and reloaded when it changes.
Configuration comes from colony.yaml (current directory or
$XDG_CONFIG_HOME/colony), COLONY_* environment variables and flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		profileCfg, err := profiles.LoadFile(cfg.Profiles)
		if err != nil {
			return fmt.Errorf("failed to load profiles: %w", err)
		}
		store, err := profiles.NewStore(profileCfg)
		if err != nil {
			return fmt.Errorf("invalid profiles: %w", err)
		}

		mgr, err := manager.NewManager(cfg.managerConfig(), store)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		mgr.Components().SetVersion(Version)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher := profiles.NewWatcher(cfg.Profiles, store)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Logger.Warn().Err(err).Str("path", cfg.Profiles).Msg("profile watcher stopped")
			}
		}()

		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start manager: %w", err)
		}

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.Listen); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		log.Logger.Info().
			Str("listen", cfg.Listen).
			Str("data_dir", cfg.DataDir).
			Str("profiles", cfg.Profiles).
			Msg("colony is running")

		var runErr error
		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case runErr = <-errCh:
		}

		grace := cfg.ShutdownGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*grace+10*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Logger.Warn().Err(err).Msg("API shutdown")
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		return runErr
	},
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Config file (default colony.yaml on the search path)")
	cmd.Flags().String("listen", defaultListen, "API listen address")
	cmd.Flags().String("data-dir", "", "Data directory for device registry, job archive and locks")
	cmd.Flags().String("profiles", "profiles.yaml", "Worker profiles file")
	cmd.Flags().String("directory", "", "Default working directory for workers")
}
