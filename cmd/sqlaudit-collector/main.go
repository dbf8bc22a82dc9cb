package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oicur0t/sqlaudit/internal/config"
	"github.com/oicur0t/sqlaudit/internal/server"
	"github.com/oicur0t/sqlaudit/pkg/mtls"
)

const (
	version           = "1.0.0"
	defaultConfigPath = "/etc/sqlaudit/collector.yaml"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "sqlaudit-collector",
		Short:         "Receives audit record batches from sqlaudit agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Accept batches and store them in MongoDB",
		RunE:  serve,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg, err := config.LoadCollectorConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting sqlaudit-collector",
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("database", cfg.MongoDB.Database),
		zap.String("collection", cfg.MongoDB.Collection))

	storage, err := server.NewStorage(cmd.Context(), server.StorageConfig{
		URI:           cfg.MongoDB.URI,
		Database:      cfg.MongoDB.Database,
		Collection:    cfg.MongoDB.Collection,
		Timeout:       cfg.MongoDB.Timeout,
		MaxPoolSize:   cfg.MongoDB.MaxPoolSize,
		RetentionDays: cfg.MongoDB.RetentionDays,
	}, logger)
	if err != nil {
		return err
	}

	handler := server.NewHandler(storage, server.NewBatchParser(cfg.Server.MaxBodyBytes), logger)

	mux := http.NewServeMux()
	mux.Handle("/api/logs", server.BearerAuthMiddleware(cfg.Auth.Token, logger)(http.HandlerFunc(handler.IngestRecords)))
	mux.HandleFunc("/v1/health", handler.Health)

	middlewares := []func(http.Handler) http.Handler{
		server.LoggingMiddleware(logger),
		server.RecoveryMiddleware(logger),
	}
	if cfg.MTLS.Enabled && cfg.MTLS.RequireClientCert {
		middlewares = append(middlewares, server.MTLSMiddleware(logger))
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Chain(mux, middlewares...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.MTLS.Enabled {
		tlsConfig, err := mtls.LoadServerTLSConfig(
			cfg.MTLS.CACert,
			cfg.MTLS.ServerCert,
			cfg.MTLS.ServerKey,
			cfg.MTLS.RequireClientCert,
		)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.ListenAddress))

		if cfg.MTLS.Enabled {
			serverErrors <- httpServer.ListenAndServeTLS("", "")
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			logger.Error("Server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
		httpServer.Close()
	}
	if err := storage.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close MongoDB connection", zap.Error(err))
	}

	if serveErr == nil {
		logger.Info("Server stopped gracefully")
	}
	return serveErr
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
