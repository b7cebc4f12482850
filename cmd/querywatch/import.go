package main

import (
	"context"
	"fmt"
	"os"

	"querywatch/pkg/config"
	"querywatch/pkg/database"
	"querywatch/pkg/logging"
)

// runImport merges the query history of another long-term database into
// the configured one. Used when consolidating a previous deployment.
func runImport(cfg *config.Config, srcPath string, logger *logging.Logger) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path must be configured for an import")
	}
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("source database not found: %w", err)
	}

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := db.ImportFrom(context.Background(), srcPath)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d queries from %s into %s\n", n, srcPath, cfg.Database.Path)
	return nil
}
