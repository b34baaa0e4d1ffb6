package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentworld/agentworld/internal/runtimeconfig"
	"github.com/agentworld/agentworld/pkg/storage/filestore"
	"github.com/agentworld/agentworld/pkg/storage/sqlstore"
)

// Open selects and constructs the Storage backend named by cfg.Storage.Type
// (spec §4.7: "selected by process-level config and never mixed in a
// single process").
func Open(cfg *runtimeconfig.Config) (Storage, error) {
	switch cfg.Storage.Type {
	case runtimeconfig.StorageFile:
		return filestore.New(cfg.Storage.DataPath)
	case runtimeconfig.StorageSQLite:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage data path: %w", err)
		}
		dbPath := filepath.Join(cfg.Storage.DataPath, "agentworld.db")
		db, err := sqlstore.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return sqlstore.New(db), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
