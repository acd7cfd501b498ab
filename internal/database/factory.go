package database

import (
	"fmt"
	"os"
	"path/filepath"

	"dpm-go/internal/config"
	"dpm-go/internal/dpm"
)

// FileName is the database file inside the data directory.
const FileName = "dpm.db"

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
// packageRoot supplies the default data directory, <root>/.dpm.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, packageRoot string) (dpm.Database, error) {
	switch cfg.Type {
	case "sqlite", "":
		dataDir := cfg.DataDir
		if dataDir == "" {
			if packageRoot == "" {
				return nil, fmt.Errorf("data_dir required for sqlite database")
			}
			dataDir = filepath.Join(packageRoot, dpm.StateDir)
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(dataDir, FileName))
	case "memory":
		return NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
