package settings

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/pkg/database"
)

func defaults() Settings {
	return Settings{
		Recording: models.DefaultRecordingConfig(),
		Backup:    models.BackupSettings{AutoBackup: false, WifiOnly: true},
	}
}

func exerciseStore(t *testing.T, st Store) {
	ctx := context.Background()

	got, err := LoadOr(ctx, st, defaults())
	require.NoError(t, err)
	assert.Equal(t, defaults(), got)

	want := Settings{
		Recording: models.RecordingConfig{
			ClipLength:      45 * time.Second,
			Resolution:      models.Resolution1080p,
			FrameRate:       60,
			MaxStorageBytes: 500 * 1_000_000,
		},
		Backup: models.BackupSettings{AutoBackup: true},
	}
	require.NoError(t, st.Save(ctx, want))
	got, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.Backup.WifiOnly = true
	require.NoError(t, st.Save(ctx, want))
	got, err = LoadOr(ctx, st, defaults())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	exerciseStore(t, st)
}

func TestLoadOrReplacesInvalidRecordingConfig(t *testing.T) {
	st := NewMemoryStore()
	bad := Settings{
		Recording: models.RecordingConfig{ClipLength: time.Hour, Resolution: models.Resolution720p, FrameRate: 30, MaxStorageBytes: 1},
		Backup:    models.BackupSettings{AutoBackup: true},
	}
	require.NoError(t, st.Save(context.Background(), bad))

	got, err := LoadOr(context.Background(), st, defaults())
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRecordingConfig(), got.Recording)
	assert.True(t, got.Backup.AutoBackup)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (Settings, error) { return Settings{}, errors.New("conn refused") }
func (brokenStore) Save(context.Context, Settings) error   { return errors.New("conn refused") }

func TestLoadOrReturnsDefaultsWithError(t *testing.T) {
	got, err := LoadOr(context.Background(), brokenStore{}, defaults())
	require.Error(t, err)
	assert.Equal(t, defaults(), got)
}

// Set NAVCAM_TEST_DATABASE_URL to run against a real PostgreSQL.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NAVCAM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("NAVCAM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, database.PoolConfig{DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))

	device := "test-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM device_settings WHERE device_id = $1`, device)
	})
	exerciseStore(t, NewPostgresStore(pool, device))
}
