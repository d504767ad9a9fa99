package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initToken  string
	initUserID string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Auth token")
	initCmd.Flags().StringVar(&initUserID, "user", "", "Local user id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Initialize the CLI configuration",
	Long:  "Create ~/.chatsync/config.toml pointing at a chat backend.\nExample: chatsync init https://chat.example.com --token <token> --user u1",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}
