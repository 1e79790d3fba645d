package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "supplychain-graph",
	Short: "Technology supply chain graph ingestion",
	Long:  "Ingests companies and typed supply-chain relationships from seed data, Wikidata, and XLSX workbooks into a Neo4j property graph. Re-running any ingestion converges to the same graph.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
