package main

import (
	"fmt"

	"persona-rag/pkg/config"
	"persona-rag/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg       *config.Config
	appLogger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "persona-rag",
	Short:         "Answer questions in a persona's voice from a curated knowledge base",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := logger.Init(cfg.Logger.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		appLogger = logger.Get()
		return nil
	},
}
