package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gamedock/gamedock/internal/model"
)

// SQLiteUserRepository persists identities in the auth store.
type SQLiteUserRepository struct {
	db *sql.DB
}

// NewSQLiteUserRepository creates a user repository over the auth database.
func NewSQLiteUserRepository(db *sql.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: db}
}

// GetUser returns the user for (username, role).
// Returns nil, nil if no such user exists.
func (r *SQLiteUserRepository) GetUser(ctx context.Context, username string, role model.Role) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx,
		`SELECT username, role, password_hash FROM users WHERE username = ? AND role = ?`,
		username, string(role),
	).Scan(&u.Username, &u.Role, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user %q/%s: %w", username, role, err)
	}
	return &u, nil
}

// CreateUser inserts a new identity row.
func (r *SQLiteUserRepository) CreateUser(ctx context.Context, u model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, role, password_hash) VALUES (?, ?, ?)`,
		u.Username, string(u.Role), u.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("creating user %q/%s: %w", u.Username, u.Role, err)
	}
	return nil
}
