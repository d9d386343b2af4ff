package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/memory"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/internal/store"
)

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity of every stored memory chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.Log)

			stores, err := store.OpenSQLite(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer stores.Close()

			engine := memory.NewEngine(stores.Chunks, stores.Sessions, memory.Config{
				ChunkSize: cfg.Memory.ChunkSize,
				TopK:      cfg.Memory.TopK,
			}, logger)

			report, err := engine.VerifyAll(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("chunks: %d  valid: %d  invalid: %d\n", report.Total, report.Valid, report.Invalid)
			for _, e := range report.Errors {
				fmt.Printf("  %s: %s\n", e.Key, e.Message)
			}
			if report.Invalid > 0 {
				return fmt.Errorf("%d corrupt chunks", report.Invalid)
			}
			return nil
		},
	}
}
