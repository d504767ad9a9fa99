package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		if cfg.Cache.Disabled {
			fmt.Println("  Cache:    disabled")
		} else {
			fmt.Printf("  Cache:    %s\n", valueOrDefault(cfg.Cache.Path, "~/.chatsync/cache"))
		}

		if cfg.Default.BaseURL == "" {
			return nil
		}

		client, _, err := getClient()
		if err != nil {
			return err
		}

		// A cheap reachability probe: fetch an empty room list path.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := client.FetchMessages(ctx, "_probe"); err != nil {
			fmt.Printf("\nBackend: unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("\nBackend: reachable")
		return nil
	},
}
