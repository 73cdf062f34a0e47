package main

import (
	"context"
	"strings"

	"persona-rag/internal/dto"

	"github.com/spf13/cobra"
)

var cacheArtifact string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and seed the reply cache",
}

var cacheFindCmd = &cobra.Command{
	Use:   "find <question>",
	Short: "Look up a cached reply by exact or semantic match",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := newApp(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.cache.FindSimilar(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(cmd, dto.NewLookupReplyResponse(entry))
	},
}

var cacheStoreCmd = &cobra.Command{
	Use:   "store <question> <answer>",
	Short: "Store a reply, replacing any entry for the same question",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := newApp(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer a.Close()

		vectorID, err := a.cache.Store(ctx, args[0], args[1], cacheArtifact)
		if err != nil {
			return err
		}
		return printJSON(cmd, dto.StoreReplyResponse{VectorID: vectorID})
	},
}

func init() {
	cacheStoreCmd.Flags().StringVar(&cacheArtifact, "artifact", "", "path of a pre-rendered artifact for this reply")
	cacheCmd.AddCommand(cacheFindCmd, cacheStoreCmd)
	rootCmd.AddCommand(cacheCmd)
}
