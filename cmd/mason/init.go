package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/masonhq/mason/internal/config"
	"github.com/masonhq/mason/internal/template"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .mason with a default config and templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			masonDir := filepath.Join(repoRoot, ".mason")
			if err := os.MkdirAll(masonDir, 0o755); err != nil {
				return err
			}

			cfgPath := filepath.Join(masonDir, "config.json")
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			data, err := json.MarshalIndent(config.Default(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
				return err
			}

			if _, err := template.Open(filepath.Join(masonDir, "templates")); err != nil {
				return err
			}

			log.Info().Str("path", cfgPath).Msg("initialized")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
