package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent connection state transitions",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "number of transitions to print")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 1 {
		return fmt.Errorf("limit must be positive")
	}

	db, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	history, err := db.State.GetTransitionHistory(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(history)
}
