package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metalagman/tally/internal/config"
	"github.com/metalagman/tally/internal/db"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a tally workspace",
		Long:  "Initialize a tally workspace by writing a default config and creating the ledger database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.DefaultPath
			}
			if err := writeDefaultConfig(path); err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log.Info().Str("path", cfg.DBPath).Msg("migrating ledger database")
			conn, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			if err := conn.Close(); err != nil {
				return fmt.Errorf("close db: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tally initialized successfully")
			return nil
		},
	}
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Info().Str("path", path).Msg("config already exists, skipping")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	settings, err := config.Settings(config.Default())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	log.Info().Str("path", path).Msg("installing default config")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
