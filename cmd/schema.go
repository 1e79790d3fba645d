package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the uniqueness constraint and lookup indexes",
	Long:  "Idempotent bootstrap: the permid uniqueness constraint backs the one-node-per-permid invariant, and the name index serves exact-name lookups. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		if err := gc.EnsureSchema(ctx); err != nil {
			return eris.Wrap(err, "schema")
		}

		zap.L().Info("schema ensured")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
