package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ConfigKV implements ports.ConfigRepository.
type ConfigKV struct {
	db *sql.DB
}

// All returns every stored config key/value pair.
func (r *ConfigKV) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		kv[k] = v
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config rows: %w", err)
	}
	return kv, nil
}

// Set upserts one config key.
func (r *ConfigKV) Set(ctx context.Context, key, value string) error {
	const query = `INSERT INTO config (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set config key %s: %w", key, err)
	}
	return nil
}
