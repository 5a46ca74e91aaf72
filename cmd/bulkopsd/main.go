package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/proxpanel/bulkops/internal/api"
	"github.com/proxpanel/bulkops/internal/bulkops"
	"github.com/proxpanel/bulkops/internal/config"
	"github.com/proxpanel/bulkops/internal/executors"
	"github.com/proxpanel/bulkops/internal/logging"
	"github.com/proxpanel/bulkops/internal/metrics"
	"github.com/proxpanel/bulkops/internal/registry"
	"github.com/proxpanel/bulkops/internal/sshkeys"
	"github.com/proxpanel/bulkops/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "bulkopsd",
	Short:   "bulkopsd - cross-cluster bulk operation coordinator for Proxmox VE",
	Long:    `bulkopsd fans out bulk operations (ISO sync, SSH key rotation and distribution) across managed Proxmox VE clusters and tracks per-target outcomes.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bulkopsd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, re-initialized once config is in.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "bulkopsd",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "bulkopsd",
	})

	log.Info().Str("version", Version).Msg("Starting bulk operation coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsAddr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.MetricsPort)
	startMetricsServer(ctx, metricsAddr)

	reg, err := registry.Open(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cluster registry")
	}
	defer reg.Close()

	keys := sshkeys.NewManager(cfg.DataPath, cfg.KeyMaxAge)
	if err := keys.Ensure(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize SSH key material")
	}

	store := bulkops.NewStore()
	store.StartRetention(ctx, cfg.JobRetention, cfg.JobSweepInterval)

	bulkops.SetMetricHooks(
		metrics.RecordJobStarted,
		metrics.RecordTarget,
		metrics.RecordJobFinished,
	)

	wsHub := websocket.NewHub(func() interface{} {
		return store.List(50)
	}, splitOrigins(cfg.AllowedOrigins))
	go wsHub.Run(ctx)

	coordinator := bulkops.NewCoordinator(store, cfg.TargetTimeout, cfg.FanoutConcurrency,
		bulkops.WithNotifier(func(job *bulkops.BulkJob) {
			wsHub.BroadcastJob(job)
		}))

	isoSync := executors.NewISOSync(reg, cfg.VerifySSL, cfg.ConnectionTimeout)
	keyPush := executors.NewKeyPush(reg, keys, cfg.SSHUser, cfg.SSHPort, cfg.SSHTimeout)
	healthCheck := executors.NewHealthCheck(reg, cfg.VerifySSL, cfg.ConnectionTimeout)

	manager := bulkops.NewManager(ctx, store, coordinator, reg, map[bulkops.Kind]bulkops.KindSpec{
		bulkops.KindISOSync: {
			Executor:      isoSync,
			RequireSource: true,
			Validate:      isoSync.ValidateParams,
		},
		bulkops.KindKeyBulkPush: {
			Executor: keyPush,
		},
		bulkops.KindKeyRotation: {
			Executor:   keyPush,
			Sequential: true,
			FleetWide:  true,
			Prepare:    func(context.Context) error { return keys.Rotate() },
		},
	})

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Jobs:        api.NewJobHandlers(manager),
		Clusters:    api.NewClusterHandlers(reg, healthCheck),
		Keys:        api.NewKeyHandlers(keys, manager),
		WSHub:       wsHub,
		HealthCheck: reg.Ping,
	})

	// ReadHeaderTimeout instead of ReadTimeout so the WebSocket upgrade
	// does not inherit a connection deadline.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	watcher, err := config.NewWatcher(cfg.ConfigPath, reapplyLogSettings)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	go func() {
		log.Info().
			Str("host", cfg.ListenHost).
			Int("port", cfg.ListenPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			if watcher != nil {
				watcher.Reload()
			}

		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server shutdown error")
			}
			log.Info().Msg("Shutdown complete")
			return
		}
	}
}

// reapplyLogSettings re-reads the logging variables after the .env file has
// been overloaded into the environment, so log level and format follow
// reloads (watcher events and SIGHUP) without a restart. Everything else
// still requires one.
func reapplyLogSettings() {
	logging.Init(logging.Config{
		Format:    os.Getenv("LOG_FORMAT"),
		Level:     os.Getenv("LOG_LEVEL"),
		Component: "bulkopsd",
	})
	log.Info().
		Str("level", os.Getenv("LOG_LEVEL")).
		Msg("Configuration reloaded; log settings reapplied, other changes require a restart")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
