package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// GetSettings returns the name/value settings of a user in one domain. A
// user without settings gets an empty map.
func (db *DB) GetSettings(ctx context.Context, userID int64, domain string) (map[string]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT name, value FROM settings WHERE user_id = $1 AND domain = $2`, userID, domain)
	if err != nil {
		return nil, fmt.Errorf("storage: get settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get settings: %w", err)
	}
	return out, nil
}

// ReplaceSettings makes values the complete settings of a user's domain.
// Keys not in allowed are ignored. Blank values delete the setting.
func (db *DB) ReplaceSettings(ctx context.Context, userID int64, domain string, values map[string]string, allowed []string) error {
	return db.inTx(ctx, "replace_settings", func() error {
		return pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			for _, name := range allowed {
				value := strings.TrimSpace(values[name])
				if value == "" {
					if _, err := tx.Exec(ctx,
						`DELETE FROM settings WHERE user_id = $1 AND domain = $2 AND name = $3`,
						userID, domain, name); err != nil {
						return fmt.Errorf("storage: delete setting %s: %w", name, err)
					}
					continue
				}
				if _, err := tx.Exec(ctx,
					`INSERT INTO settings (user_id, domain, name, value) VALUES ($1, $2, $3, $4)
					 ON CONFLICT (user_id, domain, name) DO UPDATE SET value = EXCLUDED.value`,
					userID, domain, name, value); err != nil {
					return fmt.Errorf("storage: upsert setting %s: %w", name, err)
				}
			}
			return nil
		})
	})
}
