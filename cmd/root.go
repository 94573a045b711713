package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfsight/upcguard/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "upcguard",
	Short: "UPC conflict detection and resolution engine",
	Long:  "Analyzes inventory batches for UPC integrity conflicts (duplicate UPCs, multi-UPC products), tracks their resolution lifecycle, and serves results over HTTP.",
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
