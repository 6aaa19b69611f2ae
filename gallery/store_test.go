package gallery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rover-link/phototransfer"
	"github.com/user/rover-link/protocol"
)

func TestFilename(t *testing.T) {
	at := time.Date(2026, 5, 17, 9, 3, 4, 0, time.UTC)
	assert.Equal(t, "rover_20260517_090304_abcdef12.jpg", Filename(at, "abcdef12-3456-7890"))
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	hum := 40.0
	at := time.Date(2026, 5, 17, 9, 3, 4, 0, time.UTC)
	id, err := s.Save(context.Background(), []byte{0xFF, 0xD8, 1, 2, 0xFF, 0xD9}, phototransfer.AssetMeta{
		Seq:        protocol.SomeSeq(3),
		Width:      320,
		Height:     240,
		CapturedAt: at,
		Source:     phototransfer.SourceAuto,
		MissionID:  "m-1",
		Telemetry:  &protocol.SensorReading{HumidityPct: &hum, OK: true},
	})
	require.NoError(t, err)

	rec, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, 6, rec.Size)
	assert.Equal(t, "auto", rec.Source)
	require.NotNil(t, rec.Seq)
	assert.Equal(t, uint32(3), *rec.Seq)
	assert.Len(t, rec.SHA256, 64)
	assert.FileExists(t, filepath.Join(dir, rec.Filename))

	reopened, err := Open(dir)
	require.NoError(t, err)
	again, ok := reopened.Get(id)
	require.True(t, ok)
	assert.Equal(t, rec.SHA256, again.SHA256)
	assert.True(t, again.CapturedAt.Equal(at))
	require.NotNil(t, again.Telemetry)
	assert.Equal(t, 40.0, *again.Telemetry.HumidityPct)

	data, err := reopened.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 1, 2, 0xFF, 0xD9}, data)
}

func TestSaveRejectsEmpty(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Save(context.Background(), nil, phototransfer.AssetMeta{})
	assert.ErrorIs(t, err, ErrEmptyPhoto)
}

func TestReadDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	id, err := s.Save(context.Background(), []byte("photo"), phototransfer.AssetMeta{})
	require.NoError(t, err)

	rec, _ := s.Get(id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, rec.Filename), []byte("other"), 0644))
	_, err = s.Read(id)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestListFiltersAndOrders(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	older, _ := s.Save(ctx, []byte("a"), phototransfer.AssetMeta{CapturedAt: base, MissionID: "m"})
	newer, _ := s.Save(ctx, []byte("b"), phototransfer.AssetMeta{CapturedAt: base.Add(time.Minute), MissionID: "m"})
	_, _ = s.Save(ctx, []byte("c"), phototransfer.AssetMeta{CapturedAt: base, MissionID: "other"})

	list := s.List("m")
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].ID)
	assert.Equal(t, older, list[1].ID)
	assert.Len(t, s.List(""), 3)

	require.NoError(t, s.Delete(older))
	assert.Len(t, s.List("m"), 1)
	assert.ErrorIs(t, s.Delete(older), ErrNotFound)
}
