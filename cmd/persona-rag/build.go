package main

import (
	"context"

	"persona-rag/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var buildRebuild bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index new and changed knowledge sources",
	Long:  `Index new and changed files under the knowledge directory. With --rebuild both indices are dropped and every source is indexed again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := newApp(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer a.Close()

		var stats models.BuildStats
		if buildRebuild {
			stats, err = a.knowledge.Rebuild(ctx)
		} else {
			stats, err = a.knowledge.BuildOrUpdate(ctx)
		}
		if err != nil {
			return err
		}

		appLogger.Info("Knowledge build finished",
			zap.Bool("rebuild", buildRebuild),
			zap.Int("facts", stats.FactsCount),
			zap.Int("evidence", stats.EvidenceCount),
			zap.Int("skipped", stats.SkippedSources),
			zap.Int("unchanged", stats.UnchangedSources),
		)
		return printJSON(cmd, stats)
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildRebuild, "rebuild", false, "drop both indices and index every source")
	rootCmd.AddCommand(buildCmd)
}
