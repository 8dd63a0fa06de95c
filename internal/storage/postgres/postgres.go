// Package postgres implements storage.Store on PostgreSQL by composing the
// GORM backend. Overlap checks on create and on radius growth are serialized
// with a transaction-scoped advisory lock; version checks rely on the guarded
// UPDATE alone.
package postgres

import (
	"context"
	"fmt"

	"github.com/geoclaim/engine/internal/database"
	"github.com/geoclaim/engine/internal/logging"
	gormstorage "github.com/geoclaim/engine/internal/storage/gorm"
	"github.com/rs/zerolog"

	"gorm.io/gorm"
)

// territoryLockKey identifies the advisory lock taken by overlap checks.
const territoryLockKey int64 = 0x7465727269746f72

// Backend wraps the GORM backend for PostgreSQL-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db *database.Manager
}

// New connects using the db.* settings.
func New(logManager *logging.SlogManager, dbLog zerolog.Logger) (*Backend, error) {
	m := database.NewManager(dbLog)
	if err := m.ConnectPostgres(); err != nil {
		return nil, err
	}
	return NewWithDB(m, logManager), nil
}

// NewWithDB builds the backend on an existing connection.
func NewWithDB(m *database.Manager, logManager *logging.SlogManager) *Backend {
	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{
			DB:         m.DB,
			LogManager: logManager,
			WriteLock:  AdvisoryLock,
		}),
		db: m,
	}
}

// Init migrates the schema and starts the journal writer.
func (b *Backend) Init(ctx context.Context) error {
	if b.db.DB.Dialector.Name() != "postgres" {
		return fmt.Errorf("postgres backend opened on %s", b.db.DB.Dialector.Name())
	}
	return b.Backend.Init(ctx)
}

// Close flushes the journal and releases the connection pool.
func (b *Backend) Close() error {
	err := b.Backend.Close()
	if closeErr := b.db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// AdvisoryLock takes the territory lock for the rest of the transaction.
func AdvisoryLock(tx *gorm.DB) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", territoryLockKey).Error
}
