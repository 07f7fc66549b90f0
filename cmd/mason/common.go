package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/masonhq/mason/internal/config"
	"github.com/masonhq/mason/internal/db"
)

func openDB() (*sql.DB, string, func(), error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, "", func() {}, err
	}
	masonDir := filepath.Join(repoRoot, ".mason")
	if err := os.MkdirAll(masonDir, 0o755); err != nil {
		return nil, "", func() {}, err
	}
	dbPath := filepath.Join(masonDir, "mason.db")
	storeDB, err := db.Open(dbPath)
	if err != nil {
		return nil, "", func() {}, err
	}
	return storeDB, repoRoot, func() { _ = storeDB.Close() }, nil
}

// loadConfig reads .mason/config.json over the defaults. A missing file
// means defaults; a present but invalid file is an error.
func loadConfig(repoRoot string) (config.Config, error) {
	cfg := config.Default()

	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".mason", "config.json")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := config.ValidateSettings(v.AllSettings()); err != nil {
		return config.Config{}, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Budgets.MaxIterations <= 0 {
		return config.Config{}, fmt.Errorf("budgets.max_iterations must be > 0")
	}
	return cfg, nil
}
