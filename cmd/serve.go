package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/gateway"
	"github.com/spigell/autofill/internal/secrets"
	"github.com/spigell/autofill/internal/server"
	"github.com/spigell/autofill/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the autofill API",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8080", "address to listen on")
	serveCmd.Flags().String("database", "autofill.db", "SQLite database path")

	viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("server.database", serveCmd.Flags().Lookup("database"))
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, config := setup()
	cfg := config.Server

	logger.Info("starting the autofill server", zap.String("version", version), zap.String("listen", cfg.Listen))

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer db.Close()

	pool, err := poolKeys(cfg.Pool)
	if err != nil {
		logger.Fatal("loading pool keys", zap.Error(err))
	}
	if len(pool) == 0 {
		logger.Warn("no pool keys configured, only users with their own keys get answers",
			zap.String("hint", "set GEMINI_API_KEY or OPENAI_API_KEY"),
		)
	}

	gw, err := gateway.New(gateway.Config{
		Models: cfg.Models,
		Pool:   pool,
		Limit:  cfg.RateLimit.Requests,
		Window: cfg.RateLimit.Window,
	}, db, db, gateway.CachingFactory(gateway.ProviderFactory(logger)), logger)
	if err != nil {
		logger.Fatal("configuring the gateway", zap.Error(err))
	}

	handler := server.New(server.NewService(db, gw, logger), server.Options{AllowedOrigins: cfg.AllowedOrigins}, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serving", zap.Error(err))
	}
	// ListenAndServe returns as soon as Shutdown starts; the store stays open
	// until in-flight requests are drained.
	<-stopped
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *ServerConfig, logger *zap.Logger) (*store.Store, error) {
	secret, err := secrets.Load(secrets.Source{Name: "store secret", Value: cfg.Secret, File: cfg.SecretFile})
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.Database, secret, store.WithLogger(logger))
}

func poolKeys(cfg *PoolConfig) ([]string, error) {
	keys, err := secrets.LoadAll([]secrets.Source{
		{Name: "gemini pool key", Value: cfg.GeminiKey, File: cfg.GeminiKeyFile},
		{Name: "openai pool key", Value: cfg.OpenAIKey, File: cfg.OpenAIKeyFile},
	})
	if err != nil {
		return nil, err
	}
	return append(keys, cfg.Keys...), nil
}
