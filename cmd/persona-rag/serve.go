package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"persona-rag/internal/api"
	"persona-rag/internal/api/handlers"
	"persona-rag/pkg/auth"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Auth.CheckSecret(); err != nil {
			return err
		}

		ctx := context.Background()
		appLogger.Info("Starting persona-rag service", zap.String("backend", cfg.Storage.Backend))

		a, err := newApp(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer a.Close()

		answers, err := a.answerService(ctx)
		if err != nil {
			return err
		}

		// Build or reuse the knowledge indices before taking traffic
		stats, err := a.knowledge.Counts(ctx)
		if err != nil {
			return err
		}
		appLogger.Info("Knowledge base ready",
			zap.Int("facts", stats.FactsCount),
			zap.Int("evidence", stats.EvidenceCount),
		)

		jwtManager := auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.Expiration)
		server := api.SetupRouter(api.Handlers{
			Answer:    handlers.NewAnswerHandler(answers, appLogger),
			Cache:     handlers.NewCacheHandler(a.cache, appLogger),
			Session:   handlers.NewSessionHandler(a.history, appLogger),
			Knowledge: handlers.NewKnowledgeHandler(a.knowledge, appLogger),
		}, &cfg.Server, jwtManager, a.collector, appLogger)

		// Start server
		go func() {
			addr := ":" + cfg.Server.Port
			appLogger.Info("Server starting", zap.String("address", addr))
			if err := server.Listen(addr); err != nil {
				appLogger.Fatal("Server failed", zap.Error(err))
			}
		}()

		// Wait for interrupt signal
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		appLogger.Info("Shutting down server")
		if err := server.ShutdownWithTimeout(cfg.Server.WriteTimeout); err != nil {
			appLogger.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
