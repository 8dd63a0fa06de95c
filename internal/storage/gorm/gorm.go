// Package gormstorage implements storage.Store on top of GORM. Writes run in
// a transaction that re-checks overlap before committing; the event journal
// is buffered in a queue and drained by a background writer.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geoclaim/engine/internal/geo"
	"github.com/geoclaim/engine/internal/logging"
	"github.com/geoclaim/engine/internal/model"
	"github.com/geoclaim/engine/internal/model/convert"
	"github.com/geoclaim/engine/internal/queue"
	"github.com/geoclaim/engine/internal/storage"
	"github.com/geoclaim/engine/pkg/core"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultFlushInterval = time.Second
	journalBatchSize     = 500
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB         *gorm.DB
	LogManager *logging.SlogManager

	// WriteLock runs first in every transaction that checks overlap. Dialects
	// with concurrent writers use it to serialize those checks. Nil means the
	// database already serializes write transactions.
	WriteLock func(tx *gorm.DB) error

	// FlushInterval is how often the journal writer drains its queue.
	FlushInterval time.Duration
}

// Backend implements storage.Store using GORM.
type Backend struct {
	deps    Dependencies
	journal *queue.Queue[model.TerritoryEvent]

	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	return &Backend{
		deps:    deps,
		journal: queue.New[model.TerritoryEvent](),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema and starts the journal writer.
func (b *Backend) Init(ctx context.Context) error {
	if b.deps.DB == nil {
		return fmt.Errorf("gorm backend requires a database connection")
	}
	if err := b.setupDB(ctx); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}

	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.journalWriter()
	return nil
}

func (b *Backend) setupDB(ctx context.Context) error {
	log := b.deps.LogManager
	log.WriteLog("setupDB", "Migrating schema", "INFO")
	if err := b.deps.DB.WithContext(ctx).AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	log.WriteLog("setupDB", "Database setup complete", "INFO")
	return nil
}

// Close stops the journal writer and flushes what is left in its queue.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.done
	})
	return b.FlushJournal(context.Background())
}

// Get returns the stored territory.
func (b *Backend) Get(ctx context.Context, id string) (core.Territory, error) {
	const op = "gorm:get"
	if err := storage.ContextErr(ctx, op); err != nil {
		return core.Territory{}, err
	}

	var row model.Territory
	if err := b.deps.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return core.Territory{}, readErr(op, id, err)
	}
	return convert.TerritoryToCore(row), nil
}

// QueryNear returns territories whose stored bounding box intersects the
// query window, ordered by ID.
func (b *Backend) QueryNear(ctx context.Context, lat, lon, radiusMeters float64) ([]core.Territory, error) {
	const op = "gorm:queryNear"
	if err := storage.ContextErr(ctx, op); err != nil {
		return nil, err
	}

	var rows []model.Territory
	err := intersecting(b.deps.DB.WithContext(ctx), geo.BoundsFor(lat, lon, radiusMeters)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, storage.Unavailable(op, err)
	}
	return convert.TerritoriesToCore(rows), nil
}

// Create inserts t at version 1 unless a stored territory overlaps it.
func (b *Backend) Create(ctx context.Context, t core.Territory, opts storage.CreateOptions) (core.Territory, error) {
	const op = "gorm:create"
	if err := storage.ContextErr(ctx, op); err != nil {
		return core.Territory{}, err
	}
	t.Version = 1
	if err := t.Validate(); err != nil {
		return core.Territory{}, err
	}

	err := b.transaction(ctx, op, func(tx *gorm.DB) error {
		if err := b.lock(tx, op); err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&model.Territory{}).Where("id = ?", t.ID).Count(&existing).Error; err != nil {
			return storage.Unavailable(op, err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: duplicate id %s", storage.ErrConflict, t.ID)
		}

		if err := findOverlap(tx, op, t, opts.MarginMeters); err != nil {
			return err
		}

		row := convert.CoreToTerritory(t)
		if err := tx.Create(&row).Error; err != nil {
			return storage.Unavailable(op, err)
		}
		return nil
	})
	if err != nil {
		return core.Territory{}, err
	}
	return t, nil
}

// ConditionalUpdate applies mutate if the stored version is expectedVersion.
// The final UPDATE is guarded on the version as well, so a racing writer that
// commits first turns this call into ErrVersionConflict.
func (b *Backend) ConditionalUpdate(ctx context.Context, id string, expectedVersion uint64, mutate storage.Mutator) (core.Territory, error) {
	const op = "gorm:conditionalUpdate"
	if err := storage.ContextErr(ctx, op); err != nil {
		return core.Territory{}, err
	}

	var result core.Territory
	err := b.transaction(ctx, op, func(tx *gorm.DB) error {
		var row model.Territory
		// row lock where the dialect has one; sqlite drops the clause
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			return readErr(op, id, err)
		}
		current := convert.TerritoryToCore(row)
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: %s at v%d, expected v%d", storage.ErrVersionConflict, id, current.Version, expectedVersion)
		}

		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		if err := storage.CheckMutation(current, next); err != nil {
			return err
		}

		if next.RadiusMeters > current.RadiusMeters {
			if err := b.lock(tx, op); err != nil {
				return err
			}
			if err := findOverlap(tx, op, next, 0); err != nil {
				return err
			}
		}

		next.Version = current.Version + 1
		nextRow := convert.CoreToTerritory(next)
		res := tx.Model(&model.Territory{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Select("*").
			Updates(&nextRow)
		if res.Error != nil {
			return storage.Unavailable(op, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed during update", storage.ErrVersionConflict, id)
		}

		result = next
		return nil
	})
	if err != nil {
		return core.Territory{}, err
	}
	return result, nil
}

// CountByOwner counts territories currently owned by ownerID.
func (b *Backend) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	const op = "gorm:countByOwner"
	if err := storage.ContextErr(ctx, op); err != nil {
		return 0, err
	}

	var count int64
	if err := b.deps.DB.WithContext(ctx).Model(&model.Territory{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return 0, storage.Unavailable(op, err)
	}
	return int(count), nil
}

// OwnerCounts counts territories per owner in one grouped query.
func (b *Backend) OwnerCounts(ctx context.Context) (map[string]int, error) {
	const op = "gorm:ownerCounts"
	if err := storage.ContextErr(ctx, op); err != nil {
		return nil, err
	}

	var rows []struct {
		OwnerID     string
		Territories int64
	}
	err := b.deps.DB.WithContext(ctx).Model(&model.Territory{}).
		Select("owner_id, count(*) AS territories").
		Group("owner_id").
		Scan(&rows).Error
	if err != nil {
		return nil, storage.Unavailable(op, err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.OwnerID] = int(r.Territories)
	}
	return counts, nil
}

// AppendEvent queues the event for the journal writer.
func (b *Backend) AppendEvent(ctx context.Context, e core.Event) error {
	b.journal.Push(convert.CoreToTerritoryEvent(e))
	return nil
}

// FlushJournal writes every queued event now. Failed batches are put back
// at the head of the queue.
func (b *Backend) FlushJournal(ctx context.Context) error {
	for !b.journal.Empty() {
		items := b.journal.Take(journalBatchSize)
		if err := b.deps.DB.WithContext(ctx).Create(&items).Error; err != nil {
			b.journal.Requeue(items...)
			return storage.Unavailable("gorm:flushJournal", err)
		}
	}
	return nil
}

// Events returns the journal for one territory in insertion order, or the
// whole journal when territoryID is empty. Queued events are flushed first.
func (b *Backend) Events(ctx context.Context, territoryID string) ([]core.Event, error) {
	const op = "gorm:events"
	if err := b.FlushJournal(ctx); err != nil {
		return nil, err
	}

	q := b.deps.DB.WithContext(ctx).Order("id")
	if territoryID != "" {
		q = q.Where("territory_id = ?", territoryID)
	}
	var rows []model.TerritoryEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, storage.Unavailable(op, err)
	}

	out := make([]core.Event, len(rows))
	for i, r := range rows {
		out[i] = convert.TerritoryEventToCore(r)
	}
	return out, nil
}

func (b *Backend) journalWriter() {
	defer close(b.done)
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.FlushJournal(context.Background()); err != nil {
				b.deps.LogManager.WriteLog(":DB:WRITER:", fmt.Sprintf("Error writing territory events: %v", err), "ERROR")
			}
		}
	}
}

// transaction runs fn in a transaction. Errors returned by fn pass through
// unchanged; failures to begin or commit become ErrUnavailable.
func (b *Backend) transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var inner error
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner = fn(tx)
		return inner
	})
	if err == nil {
		return nil
	}
	if inner != nil && errors.Is(err, inner) {
		return inner
	}
	return storage.Unavailable(op, err)
}

func (b *Backend) lock(tx *gorm.DB, op string) error {
	if b.deps.WriteLock == nil {
		return nil
	}
	if err := b.deps.WriteLock(tx); err != nil {
		return storage.Unavailable(op, err)
	}
	return nil
}

// intersecting narrows q to rows whose bounding box meets w.
func intersecting(q *gorm.DB, w geo.Bounds) *gorm.DB {
	return q.Where("min_lat <= ? AND max_lat >= ? AND min_lon <= ? AND max_lon >= ?",
		w.MaxLat, w.MinLat, w.MaxLon, w.MinLon)
}

// findOverlap returns ErrConflict when any other stored territory overlaps t
// with the given margin.
func findOverlap(tx *gorm.DB, op string, t core.Territory, margin float64) error {
	window := geo.BoundsFor(t.Center.Lat, t.Center.Lon, t.RadiusMeters+margin)

	var rows []model.Territory
	if err := intersecting(tx.Model(&model.Territory{}), window).Where("id <> ?", t.ID).Find(&rows).Error; err != nil {
		return storage.Unavailable(op, err)
	}
	for _, row := range rows {
		other := convert.TerritoryToCore(row)
		if geo.OverlapsWithMargin(t.Circle(), other.Circle(), margin) {
			return fmt.Errorf("%w: %s owned by %s", storage.ErrConflict, other.ID, other.OwnerName)
		}
	}
	return nil
}

func readErr(op, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return storage.Unavailable(op, err)
}
