package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/valros/skinarb/internal/domain"
	httpapi "github.com/valros/skinarb/internal/interfaces/http"
	"github.com/valros/skinarb/internal/persistence"
	"github.com/valros/skinarb/internal/provider"
	"github.com/valros/skinarb/internal/scheduler"
)

// runServe boots the full monitor and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.HTTP.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.HTTP.Port, _ = cmd.Flags().GetInt("port")
	}

	stack, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	jobsPath, _ := cmd.Flags().GetString("jobs")
	if jobsPath == "" {
		jobsPath = filepath.Join(cfg.DataDir, "jobs.yaml")
	}
	overrides, err := scheduler.LoadOverrides(jobsPath)
	if err != nil {
		return err
	}
	sched := scheduler.New(stack.engine, overrides)

	var dbHealth persistence.RepositoryHealth
	if stack.db.IsEnabled() {
		dbHealth = stack.db.Health()
	}

	handlers := httpapi.NewHandlers(httpapi.HandlerDeps{
		Engine:      stack.engine,
		Scheduler:   sched,
		Credentials: stack.creds,
		Store:       stack.store,
		Metrics:     stack.metrics,
		DBHealth:    dbHealth,
		Clients: map[domain.Platform]provider.Client{
			domain.PlatformA: stack.clientA,
			domain.PlatformB: stack.clientB,
		},
	})

	serverCfg := httpapi.DefaultServerConfig()
	serverCfg.Host = cfg.HTTP.Host
	serverCfg.Port = cfg.HTTP.Port
	server, err := httpapi.NewServer(serverCfg, handlers)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)
	go stack.creds.Watchdog(ctx, cfg.Credentials.WatchdogInterval())

	serverErr := make(chan error, 1)
	go func() {
		addr := server.GetAddress()
		log.Info().
			Str("status", fmt.Sprintf("http://%s/status", addr)).
			Str("opportunities", fmt.Sprintf("http://%s/opportunities", addr)).
			Str("stream", fmt.Sprintf("http://%s/stream", addr)).
			Str("metrics", fmt.Sprintf("http://%s/metrics", addr)).
			Msg("Monitor endpoints available")

		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Stop the scheduler and watchdog, interrupt any analysis in flight,
	// then drain the HTTP server.
	cancel()
	stack.engine.ForceStopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		return err
	}

	log.Info().Msg("Monitor shutdown complete")
	return nil
}
