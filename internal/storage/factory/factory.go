// Package factory builds the configured storage.Store.
package factory

import (
	"fmt"

	"github.com/geoclaim/engine/internal/config"
	"github.com/geoclaim/engine/internal/logging"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/internal/storage/memory"
	"github.com/geoclaim/engine/internal/storage/postgres"
	sqlitestorage "github.com/geoclaim/engine/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

// NewStore creates a storage backend based on configuration. The store is
// not initialised; callers run Init before use.
func NewStore(cfg config.StorageConfig, logManager *logging.SlogManager, dbLog zerolog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "postgres":
		b, err := postgres.New(logManager, dbLog)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqlite":
		b, err := sqlitestorage.New(cfg.SQLite, logManager, dbLog)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "memory", "":
		return memory.New(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
