package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Stores bundles the three embedded databases the control plane persists to.
type Stores struct {
	Auth    *sql.DB
	Game    *sql.DB
	Reviews *sql.DB
}

// Open creates dataDir if needed, opens the three sqlite databases and runs
// their migrations.
func Open(ctx context.Context, dataDir string) (*Stores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}

	s := &Stores{}
	for _, db := range []struct {
		name string
		dst  **sql.DB
	}{
		{"auth", &s.Auth},
		{"game", &s.Game},
		{"reviews", &s.Reviews},
	} {
		handle, err := open(ctx, filepath.Join(dataDir, db.name+".db"))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening %s store: %w", db.name, err)
		}
		if err := RunMigrations(ctx, handle, db.name); err != nil {
			handle.Close()
			s.Close()
			return nil, fmt.Errorf("migrating %s store: %w", db.name, err)
		}
		*db.dst = handle
	}
	return s, nil
}

func open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("pinging database %s: %w", path, err)
	}
	return handle, nil
}

// Close closes every open database handle.
func (s *Stores) Close() {
	for _, handle := range []*sql.DB{s.Auth, s.Game, s.Reviews} {
		if handle != nil {
			handle.Close()
		}
	}
}
