package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one device_settings row per device.
type PostgresStore struct {
	pool     *pgxpool.Pool
	deviceID string
}

// NewPostgresStore creates a store for deviceID. The schema comes from the
// database package migrations.
func NewPostgresStore(pool *pgxpool.Pool, deviceID string) *PostgresStore {
	return &PostgresStore{pool: pool, deviceID: deviceID}
}

// Load returns the saved settings or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context) (Settings, error) {
	const q = `SELECT clip_length_ms, width, height, frame_rate, max_storage_bytes, auto_backup, wifi_only
		FROM device_settings WHERE device_id = $1`
	var (
		out          Settings
		clipLengthMS int64
	)
	err := s.pool.QueryRow(ctx, q, s.deviceID).Scan(&clipLengthMS,
		&out.Recording.Resolution.Width, &out.Recording.Resolution.Height,
		&out.Recording.FrameRate, &out.Recording.MaxStorageBytes,
		&out.Backup.AutoBackup, &out.Backup.WifiOnly)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out.Recording.ClipLength = time.Duration(clipLengthMS) * time.Millisecond
	return out, nil
}

// Save upserts the device row.
func (s *PostgresStore) Save(ctx context.Context, in Settings) error {
	const q = `INSERT INTO device_settings
		(device_id, clip_length_ms, width, height, frame_rate, max_storage_bytes, auto_backup, wifi_only, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			clip_length_ms = EXCLUDED.clip_length_ms,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			frame_rate = EXCLUDED.frame_rate,
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			auto_backup = EXCLUDED.auto_backup,
			wifi_only = EXCLUDED.wifi_only,
			updated_at = NOW()`
	r := in.Recording
	_, err := s.pool.Exec(ctx, q, s.deviceID, r.ClipLength.Milliseconds(),
		r.Resolution.Width, r.Resolution.Height, r.FrameRate, r.MaxStorageBytes,
		in.Backup.AutoBackup, in.Backup.WifiOnly)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
