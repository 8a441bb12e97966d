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

	"github.com/spf13/cobra"

	"teamcanvas/api/internal/app"
	"teamcanvas/api/internal/config"
	"teamcanvas/api/internal/history"
	"teamcanvas/api/internal/logging"
	"teamcanvas/api/internal/session"
	"teamcanvas/api/internal/store"
)

var (
	log = logging.Log()

	rootCmd = &cobra.Command{
		Use:          "canvas-api",
		Short:        "Team canvas API server",
		SilenceUsage: true,
		RunE:         func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the HTTP API",
		RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations, or revert them with --down, and exit",
		RunE:  func(cmd *cobra.Command, _ []string) error { return migrate(cmd.Context()) },
	}

	cfg     config.Config
	verbose *int
	addr    *string
	down    *int
)

func init() {
	cfg = config.Load()
	verbose = rootCmd.PersistentFlags().IntP("verbose", "v", cfg.Verbose, "Verbosity for logging")
	addr = serveCmd.Flags().String("addr", cfg.Addr, "Address to listen on")
	rootCmd.Flags().AddFlag(serveCmd.Flags().Lookup("addr"))
	down = migrateCmd.Flags().Int("down", 0, "Revert this many of the newest migrations instead of applying")
	rootCmd.AddCommand(serveCmd, migrateCmd)

	cobra.OnInitialize(func() { logging.Init(*verbose) }) // After flags are parsed
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if *down > 0 {
		if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, *down); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		log.Info("Migrations reverted", "dir", cfg.MigrationsDir, "steps", *down)
		return nil
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info("Migrations applied", "dir", cfg.MigrationsDir)
	return nil
}

func serve(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.HistoryDir)

	var service *app.Service
	if cfg.RedisURL != "" {
		log.Info("Using Redis for edit session leases")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		service = app.New(cfg, dataStore, redisStore, historyService)
	} else {
		log.Info("Using PostgreSQL for edit session leases")
		service = app.New(cfg, dataStore, dataStore, historyService)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Error(err, "Bootstrap failed, will retry on next restart")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              *addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Canvas API listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Shutdown error")
	}
	return nil
}
