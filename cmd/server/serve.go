package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-net-flow/internal/api"
	case_manager "go-net-flow/internal/case"
	"go-net-flow/internal/config"
	"go-net-flow/internal/events"
	"go-net-flow/internal/logging"
	"go-net-flow/internal/models"
	"go-net-flow/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.NewConfigLoader(nil).LoadWithDefaults(configFile)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	bus := events.NewEventBus(
		events.WithDefaultBufferSize(cfg.Events.BufferSize),
		events.WithMetrics(events.NewOTelMetricsRecorder(nil)),
		events.WithDropHandler(func(d *events.DropError) {
			logger.Warn("event dropped", "subscriber", d.SubscriberID, "case_id", d.Event.CaseID, "type", d.Event.Type)
		}),
	)
	defer bus.Close()

	opts := []case_manager.Option{
		case_manager.WithEngineConfig(cfg.Engine),
		case_manager.WithEventBus(bus),
		case_manager.WithLogger(logger),
	}
	var db *store.Store
	if cfg.Store.Enabled {
		db, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, case_manager.WithStore(db))
	}
	manager := case_manager.NewManager(opts...)

	if cfg.Specs.Dir != "" {
		if err := loadSpecs(manager, cfg.Specs.Dir, logger); err != nil {
			return err
		}
	}
	if db != nil {
		restoreCases(ctx, manager, db, logger)
	}

	serverOpts := []api.Option{api.WithLogger(logger), api.WithEventBus(bus)}
	if db != nil {
		serverOpts = append(serverOpts, api.WithHealthCheck(func(r *http.Request) error { return db.Health(r.Context()) }))
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(manager, serverOpts...).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Events.LogEvents {
		g.Go(func() error {
			logEvents(gctx, bus, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		return errors.Join(httpErr, manager.Close(shutdownCtx))
	})
	return g.Wait()
}

// loadSpecs registers every net document in dir
func loadSpecs(manager *case_manager.Manager, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read specs dir: %w", err)
	}
	parser := models.NewNetParser()
	for _, entry := range entries {
		if entry.IsDir() || !isNetDocument(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		net, err := parser.ParseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := manager.RegisterSpec(net); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("spec loaded", "spec_id", net.ID(), "file", path)
	}
	return nil
}

func isNetDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// restoreCases brings back every case the store still has open. A case whose
// spec is no longer loaded stays in the store and is reported.
func restoreCases(ctx context.Context, manager *case_manager.Manager, db *store.Store, logger *slog.Logger) {
	states, err := db.LoadActive(ctx)
	if err != nil {
		logger.Error("failed to load active cases", "error", err)
		return
	}
	restored := 0
	for _, state := range states {
		if err := manager.Restore(ctx, state); err != nil {
			logger.Warn("case not restored", "case_id", state.CaseID, "spec_id", state.SpecID, "error", err)
			continue
		}
		restored++
	}
	logger.Info("cases restored", "restored", restored, "stored", len(states))
}

func logEvents(ctx context.Context, bus events.EventBus, logger *slog.Logger) {
	ch, cleanup := bus.Subscribe(ctx, events.Filter{}, 0)
	defer cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Info("event",
				"type", ev.Type,
				"case_id", ev.CaseID,
				"task_id", ev.TaskID,
				"work_item_id", ev.WorkItemID,
				"error", ev.Err,
			)
		}
	}
}
