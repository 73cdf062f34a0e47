package main

import (
	"fmt"

	"persona-rag/pkg/auth"

	"github.com/spf13/cobra"
)

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token for the knowledge build endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Auth.CheckSecret(); err != nil {
			return err
		}
		jwtManager := auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.Expiration)
		token, err := jwtManager.GenerateToken(tokenSubject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "operator name recorded in the token")
	rootCmd.AddCommand(tokenCmd)
}
