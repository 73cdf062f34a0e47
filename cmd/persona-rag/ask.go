package main

import (
	"context"
	"encoding/json"
	"strings"

	"persona-rag/internal/dto"
	"persona-rag/internal/service"

	"github.com/spf13/cobra"
)

var (
	askDocType string
	askTags    []string
	askSession string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		req := dto.AnswerRequest{
			Question:  strings.Join(args, " "),
			SessionID: askSession,
			DocType:   askDocType,
			Tags:      askTags,
		}
		filter, err := req.Filter()
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer a.Close()

		answers, err := a.answerService(ctx)
		if err != nil {
			return err
		}

		result, err := answers.Answer(ctx, service.AnswerRequest{
			Question:  req.Question,
			SessionID: req.SessionID,
			Filter:    filter,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, dto.NewAnswerResponse(result, req.SessionID))
	},
}

func init() {
	askCmd.Flags().StringVar(&askDocType, "doc-type", "", "restrict retrieval to one document type")
	askCmd.Flags().StringSliceVar(&askTags, "tag", nil, "keep only records sharing one of these tags (repeatable)")
	askCmd.Flags().StringVar(&askSession, "session", "", "conversation session id")
	rootCmd.AddCommand(askCmd)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
