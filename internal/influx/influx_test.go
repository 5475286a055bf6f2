package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/reconcile"
)

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{})
	assert.Error(t, m.Connect(context.Background()))
}

func TestStatusPoint(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := StatusPoint(reconcile.Status{
		Mode:        "online",
		RegionID:    561,
		SyncState:   "complete",
		QueueLength: 2,
		Markers:     14,
	}, at)

	assert.Equal(t, "engine_status", p.Name())
	assert.Equal(t, at, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"mode": "online", "sync_state": "complete"}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(561), fields["region"])
	assert.Equal(t, int64(14), fields["markers"])
	assert.Equal(t, false, fields["has_error"])
}

func TestWriteStatus_FallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(zerolog.Nop(), config.InfluxConfig{
		Enabled:   true,
		Protocol:  "http",
		Host:      "127.0.0.1",
		Port:      "1",
		Bucket:    "palsync",
		Org:       "palsync-metrics",
		BackupDir: dir,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.IsValid)

	require.NoError(t, m.WriteStatus(reconcile.Status{Mode: "offline", SyncState: "not_needed"}, time.Now()))
	require.NoError(t, m.Close())

	f, err := os.Open(m.BackupPath())
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(data), "engine_status,mode=offline,sync_state=not_needed")
}

func TestWritePoint_NoBackend(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{})
	assert.Error(t, m.WriteStatus(reconcile.Status{}, time.Now()))
	assert.NoError(t, m.Close())
}
