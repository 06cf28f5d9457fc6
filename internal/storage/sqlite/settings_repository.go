package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// SettingsRepository stores user settings as key/value pairs. The worker
// reads them once at boot; the API reads and writes them at any time.
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(dbConn *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: dbConn}
}

func (r *SettingsRepository) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}

		settings[key] = value
	}

	return settings, rows.Err()
}

func (r *SettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s: %w", key, err)
	}

	return nil
}
