package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/codefionn/codehub/internal/config"
	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/eventlog"
	"github.com/codefionn/codehub/internal/hub"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/codefionn/codehub/internal/pidfile"
	"github.com/codefionn/codehub/internal/pprof"
	"github.com/codefionn/codehub/internal/registry"
	"github.com/codefionn/codehub/internal/service"
	"github.com/codefionn/codehub/internal/store"
	"github.com/spf13/cobra"
)

// serveCmd runs the hub until SIGINT or SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub server",
	Long:  "Accept worker and scheduler connections and serve the admin API.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error, none")
	serveCmd.Flags().String("pprof-addr", "", "Serve /debug/pprof on this address")
	serveCmd.Flags().String("cpu-profile", "", "Write a CPU profile to this file until shutdown")
	serveCmd.Flags().String("pidfile", "", "Refuse to start while another hub holds this PID file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, cfg, err := loadConfig(cmd, map[string]string{
		"server.addr":       "addr",
		"logging.level":     "log-level",
		"debug.pprof_addr":  "pprof-addr",
		"debug.cpu_profile": "cpu-profile",
		"debug.pid_file":    "pidfile",
	})
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	if cfg.Debug.PIDFile != "" {
		pf := pidfile.New(cfg.Debug.PIDFile)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warn("%v", err)
			}
		}()
	}

	profiler := pprof.New(pprof.Config{Addr: cfg.Debug.PprofAddr, CPUProfile: cfg.Debug.CPUProfile})
	if err := profiler.Start(); err != nil {
		return err
	}
	defer profiler.Stop(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(ctx, db)
	if err != nil {
		return err
	}

	events, err := eventlog.New(cfg.Events.Dir)
	if err != nil {
		return err
	}
	defer events.Close()

	srv := hub.NewServer(service.New(db, reg, events), hub.OptionsFromConfig(cfg))

	if v.ConfigFileUsed() != "" {
		config.Watch(v, func(c *config.Config) {
			level := logger.ParseLevel(c.Logging.Level)
			logger.Global().SetLevel(level)
			logger.Info("Configuration reloaded, log level %s", level)
		}, func(err error) {
			logger.Warn("Ignoring configuration change: %v", err)
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("Database: %s", db.Path())
	logger.Info("Events: %s", events.Dir())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down hub...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout30Seconds)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Hub shutdown: %v", err)
	}
	if err := reg.Close(shutdownCtx); err != nil {
		logger.Warn("Failed to clear worker registry: %v", err)
	}
	if err := profiler.Stop(shutdownCtx); err != nil {
		logger.Warn("%v", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
