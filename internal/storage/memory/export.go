// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/geoclaim/engine/pkg/core"
)

const snapshotName = "territories"

// Snapshot is the on-disk JSON structure
type Snapshot struct {
	SavedAt     time.Time        `json:"savedAt"`
	Territories []core.Territory `json:"territories"`
}

// SnapshotPath returns the file the backend reads and writes
func (b *Backend) SnapshotPath() string {
	filename := snapshotName + ".json"
	if b.cfg.CompressOutput {
		filename += ".gz"
	}
	return filepath.Join(b.cfg.OutputDir, filename)
}

// writeSnapshot must be called with b.mu held.
func (b *Backend) writeSnapshot() error {
	snap := Snapshot{
		SavedAt:     time.Now().UTC(),
		Territories: make([]core.Territory, 0, len(b.territories)),
	}
	for _, t := range b.territories {
		snap.Territories = append(snap.Territories, t)
	}
	sortByID(snap.Territories)

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// written beside the target and renamed into place
	path := b.SnapshotPath()
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	var w io.Writer = file
	var gz *gzip.Writer
	if b.cfg.CompressOutput {
		gz = gzip.NewWriter(file)
		w = gz
	}

	encodeErr := json.NewEncoder(w).Encode(snap)
	if gz != nil {
		if err := gz.Close(); err != nil && encodeErr == nil {
			encodeErr = err
		}
	}
	if err := file.Close(); err != nil && encodeErr == nil {
		encodeErr = err
	}
	if encodeErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", encodeErr)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// loadSnapshot must be called with b.mu held. A missing file is not an error.
func (b *Backend) loadSnapshot() error {
	file, err := os.Open(b.SnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if b.cfg.CompressOutput {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open gzip snapshot: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	for _, t := range snap.Territories {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("snapshot territory %s: %w", t.ID, err)
		}
		b.territories[t.ID] = t
	}
	return nil
}
