package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"utc_daemon/internal/admission"
	"utc_daemon/internal/config"
	"utc_daemon/internal/logging"
	"utc_daemon/internal/metrics"
	"utc_daemon/internal/server"
	"utc_daemon/internal/sweeper"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the time daemon",
	Long: `Run the time daemon until SIGINT or SIGTERM.

Open connections are allowed to finish before the process exits. When
maintenance.watch_config is set, edits to the config file are applied
without a restart; the listen address and epoch need a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, err := config.ResolvePath(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	gate, rejected, err := admission.New(&cfg)
	if err != nil {
		return err
	}
	logRejectedEntries(rejected)

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	srvCfg, connCfg, _, _, _ := cfg.SplitConfig()
	srv, err := server.New(srvCfg, connCfg, gate, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.Maintenance.CleanupIntervalSeconds) * time.Second
	go sweeper.New(gate, rec, interval).Run(ctx)

	if cfg.Metrics.ListenAddress != "" {
		ops := &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           metrics.NewMux(reg, func() any { return srv.Stats() }),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.LogEvent("ERROR", "metrics_server_failed", map[string]any{
					"listen_address": cfg.Metrics.ListenAddress,
					"error":          err.Error(),
				})
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = ops.Shutdown(sctx)
		}()
	}

	if cfg.Maintenance.WatchConfig {
		w, err := config.NewWatcher(path, reloader(cfg, gate, srv, rec), func(err error) {
			rec.ObserveConfigReload(false)
			logging.LogEvent("ERROR", "config_reload_failed", map[string]any{
				"error": err.Error(),
			})
		})
		if err != nil {
			return err
		}
		w.Start()
		defer w.Close()
		logging.LogEvent("INFO", "config_watch_started", map[string]any{
			"path": w.Path(),
		})
	}

	err = srv.Run(ctx)
	logging.LogEvent("INFO", "server_stopped", map[string]any{
		"active_connections": srv.Register().ActiveConnectionsCount(),
	})
	return err
}

// reloader applies a changed config to the running components.
func reloader(current config.Config, gate *admission.Gate, srv *server.Server, rec *metrics.Recorder) func(config.Config) {
	return func(next config.Config) {
		rejected, err := gate.Apply(&next)
		if err != nil {
			rec.ObserveConfigReload(false)
			logging.LogEvent("ERROR", "config_reload_failed", map[string]any{
				"error": err.Error(),
			})
			return
		}
		logRejectedEntries(rejected)

		if err := logging.Init(&next.Logging); err != nil {
			logging.LogEvent("WARN", "logging_reload_failed", map[string]any{
				"error": err.Error(),
			})
		}
		srv.Register().SetMaxConnections(next.Server.MaxConnections)

		if next.Server.ListenAddress != current.Server.ListenAddress || next.Server.Epoch != current.Server.Epoch {
			logging.LogEvent("WARN", "restart_required", map[string]any{
				"listen_address": next.Server.ListenAddress,
				"epoch":          next.Server.Epoch,
			})
		}

		rec.ObserveConfigReload(true)
		logging.LogEvent("INFO", "config_reloaded", map[string]any{
			"acl_enabled":  next.ACL.Enabled,
			"rate_limiter": next.RateLimiter.Enabled,
			"ddos":         next.DDoS.Enabled,
		})
	}
}

func logRejectedEntries(rejected []string) {
	for _, entry := range rejected {
		logging.LogEvent("WARN", "acl_entry_rejected", map[string]any{
			"entry": entry,
		})
	}
}
