package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ownai/ownai/internal/model"
)

// CreateUser registers a user with an already-hashed password. Returns
// ErrConflict when the username is taken.
func (db *DB) CreateUser(ctx context.Context, username, passhash string) (model.User, error) {
	u := model.User{Username: username, PassHash: passhash}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (username, passhash) VALUES ($1, $2) RETURNING id, created_at`,
		username, passhash,
	).Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return model.User{}, fmt.Errorf("storage: user %q: %w", username, ErrConflict)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns the user or ErrNotFound.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, passhash, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PassHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("storage: user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with id or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, passhash, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.PassHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// SetPassword replaces the password hash of user id.
func (db *DB) SetPassword(ctx context.Context, id int64, passhash string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE users SET passhash = $2 WHERE id = $1`, id, passhash)
	if err != nil {
		return fmt.Errorf("storage: set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
	}
	return nil
}
