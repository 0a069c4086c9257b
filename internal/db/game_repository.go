package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gamedock/gamedock/internal/model"
)

// SQLiteGameRepository persists the published-package index in the game store.
type SQLiteGameRepository struct {
	db *sql.DB
}

// NewSQLiteGameRepository creates a catalog repository over the game database.
func NewSQLiteGameRepository(db *sql.DB) *SQLiteGameRepository {
	return &SQLiteGameRepository{db: db}
}

const gameColumns = `author, game_name, version, type, description, max_players, score_sum, review_count`

func scanGame(row interface{ Scan(...any) error }) (model.Game, error) {
	var g model.Game
	err := row.Scan(&g.Author, &g.GameName, &g.Version, &g.Type,
		&g.Description, &g.MaxPlayers, &g.ScoreSum, &g.ReviewCount)
	return g, err
}

// NextVersion returns the version the next publication of
// (author, game_name, type) receives: 0 for the first, max+1 afterwards.
func (r *SQLiteGameRepository) NextVersion(ctx context.Context, author, gameName string, gameType model.GameType) (int, error) {
	var latest int
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM games WHERE author = ? AND game_name = ? AND type = ?
		 ORDER BY version DESC LIMIT 1`,
		author, gameName, string(gameType),
	).Scan(&latest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying latest version of %q: %w", gameName, err)
	}
	return latest + 1, nil
}

// Insert records a newly published package version.
func (r *SQLiteGameRepository) Insert(ctx context.Context, g model.Game) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO games (author, game_name, version, type, description, max_players, score_sum, review_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
		g.Author, g.GameName, g.Version, string(g.Type), g.Description, g.MaxPlayers,
	)
	if err != nil {
		return fmt.Errorf("inserting game %q v%d: %w", g.GameName, g.Version, err)
	}
	return nil
}

// ListByAuthor returns every version published by one author.
func (r *SQLiteGameRepository) ListByAuthor(ctx context.Context, author string) ([]model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE author = ? ORDER BY game_name, version`, author)
	if err != nil {
		return nil, fmt.Errorf("listing games for %q: %w", author, err)
	}
	defer rows.Close()
	return collectGames(rows)
}

// ListAll returns every published version in the catalog.
func (r *SQLiteGameRepository) ListAll(ctx context.Context) ([]model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ` + gameColumns + ` FROM games ORDER BY game_name, version`)
	if err != nil {
		return nil, fmt.Errorf("listing games: %w", err)
	}
	defer rows.Close()
	return collectGames(rows)
}

func collectGames(rows *sql.Rows) ([]model.Game, error) {
	var games []model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning game row: %w", err)
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating game rows: %w", err)
	}
	return games, nil
}

// GetLatest returns the highest published version of gameName across authors.
// Returns nil, nil when the game is unknown.
func (r *SQLiteGameRepository) GetLatest(ctx context.Context, gameName string) (*model.Game, error) {
	g, err := scanGame(r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE game_name = ? ORDER BY version DESC LIMIT 1`,
		gameName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest %q: %w", gameName, err)
	}
	return &g, nil
}

// Get returns one published (game_name, version) row, nil when absent.
func (r *SQLiteGameRepository) Get(ctx context.Context, gameName string, version int) (*model.Game, error) {
	g, err := scanGame(r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE game_name = ? AND version = ? LIMIT 1`,
		gameName, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying %q v%d: %w", gameName, version, err)
	}
	return &g, nil
}

// ApplyScoreDelta adjusts the aggregate review score for every row of
// gameName. Review mutations call this to keep score_sum consistent.
func (r *SQLiteGameRepository) ApplyScoreDelta(ctx context.Context, gameName string, scoreDelta, countDelta int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET score_sum = score_sum + ?, review_count = review_count + ? WHERE game_name = ?`,
		scoreDelta, countDelta, gameName,
	)
	if err != nil {
		return fmt.Errorf("applying score delta to %q: %w", gameName, err)
	}
	return nil
}
