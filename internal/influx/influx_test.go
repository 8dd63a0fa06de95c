package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geoclaim/engine/internal/config"
	"github.com/geoclaim/engine/pkg/core"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimedEvent() core.Event {
	t := core.NewTerritory("t-1", "alice", "Alice", core.LatLon{Lat: 1.5, Lon: 2.5},
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	t.Version = 1
	return core.Event{
		Type:      core.EventTerritoryClaimed,
		Time:      t.ClaimedAt,
		Territory: t,
		PlayerID:  "alice",
	}
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{Enabled: false})
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
}

func TestConnect_FallsBackToBackupFile(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "nested", "events.lp.gz")
	m := NewManager(zerolog.Nop(), config.InfluxConfig{
		Enabled:    true,
		Protocol:   "http",
		Host:       "127.0.0.1",
		Port:       "1",
		Org:        "territory-metrics",
		Bucket:     "territory_events",
		BackupPath: backup,
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid)
	require.NotNil(t, m.BackupWriter)

	require.NoError(t, m.Handle(context.Background(), claimedEvent()))
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)

	line := string(body)
	assert.Contains(t, line, Measurement)
	assert.Contains(t, line, "type=territory_claimed")
	assert.Contains(t, line, "health=100i")
}

func TestWritePoint_NoSink(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{})
	err := m.WritePoint(context.Background(), "territory_events", EventPoint(claimedEvent()))
	assert.Error(t, err)
}

func TestEventPoint(t *testing.T) {
	e := claimedEvent()
	e.Conquest = true
	e.Amount = 7

	line := influxdb2_write.PointToLineProtocol(EventPoint(e), time.Second)

	assert.Contains(t, line, "territory_event,")
	assert.Contains(t, line, "conquest=true")
	assert.Contains(t, line, "owner=alice")
	assert.Contains(t, line, "player=alice")
	assert.Contains(t, line, "territory=t-1")
	assert.Contains(t, line, "amount=7i")
	assert.Contains(t, line, "level=1i")
	assert.Contains(t, line, "radius=10")
	assert.Contains(t, line, "1767323045")
}

func TestEventPoint_NoPlayer(t *testing.T) {
	e := claimedEvent()
	e.PlayerID = ""

	line := influxdb2_write.PointToLineProtocol(EventPoint(e), time.Second)
	assert.NotContains(t, line, "player=")
}
