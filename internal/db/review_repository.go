package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gamedock/gamedock/internal/model"
)

// SQLiteReviewRepository persists reviews and play history in the reviews store.
type SQLiteReviewRepository struct {
	db *sql.DB
}

// NewSQLiteReviewRepository creates a review repository over the reviews database.
func NewSQLiteReviewRepository(db *sql.DB) *SQLiteReviewRepository {
	return &SQLiteReviewRepository{db: db}
}

// Insert appends a review row.
func (r *SQLiteReviewRepository) Insert(ctx context.Context, rv model.Review) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reviews (author, game_name, version, content, score) VALUES (?, ?, ?, ?, ?)`,
		rv.Author, rv.GameName, rv.Version, rv.Content, rv.Score,
	)
	if err != nil {
		return fmt.Errorf("inserting review by %q for %q: %w", rv.Author, rv.GameName, err)
	}
	return nil
}

// GetScore returns the score of the review identified by
// (author, game_name, version, content); found is false when absent.
func (r *SQLiteReviewRepository) GetScore(ctx context.Context, author, gameName, version, content string) (score int, found bool, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT score FROM reviews WHERE author = ? AND game_name = ? AND version = ? AND content = ? LIMIT 1`,
		author, gameName, version, content,
	).Scan(&score)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("querying review score: %w", err)
	}
	return score, true, nil
}

// Update rewrites the content and score of an existing review.
func (r *SQLiteReviewRepository) Update(ctx context.Context, author, gameName, version, oldContent, newContent string, newScore int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reviews SET content = ?, score = ? WHERE author = ? AND game_name = ? AND version = ? AND content = ?`,
		newContent, newScore, author, gameName, version, oldContent,
	)
	if err != nil {
		return fmt.Errorf("updating review by %q for %q: %w", author, gameName, err)
	}
	return nil
}

// Delete removes one review row.
func (r *SQLiteReviewRepository) Delete(ctx context.Context, author, gameName, version, content string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM reviews WHERE author = ? AND game_name = ? AND version = ? AND content = ?`,
		author, gameName, version, content,
	)
	if err != nil {
		return fmt.Errorf("deleting review by %q for %q: %w", author, gameName, err)
	}
	return nil
}

// ListByGame returns all reviews of one game.
func (r *SQLiteReviewRepository) ListByGame(ctx context.Context, gameName string) ([]model.Review, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT review_id, author, game_name, version, content, score, created_at
		 FROM reviews WHERE game_name = ? ORDER BY review_id`, gameName)
	if err != nil {
		return nil, fmt.Errorf("listing reviews for game %q: %w", gameName, err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

// ListByAuthor returns all reviews written by one player.
func (r *SQLiteReviewRepository) ListByAuthor(ctx context.Context, author string) ([]model.Review, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT review_id, author, game_name, version, content, score, created_at
		 FROM reviews WHERE author = ? ORDER BY review_id`, author)
	if err != nil {
		return nil, fmt.Errorf("listing reviews by %q: %w", author, err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

func collectReviews(rows *sql.Rows) ([]model.Review, error) {
	var reviews []model.Review
	for rows.Next() {
		var rv model.Review
		var createdAt string
		if err := rows.Scan(&rv.ReviewID, &rv.Author, &rv.GameName, &rv.Version,
			&rv.Content, &rv.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning review row: %w", err)
		}
		rv.CreatedAt = parseSQLiteTime(createdAt)
		reviews = append(reviews, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating review rows: %w", err)
	}
	return reviews, nil
}

// AddPlayRecord marks (player, game, version) as played/obtained. Idempotent.
func (r *SQLiteReviewRepository) AddPlayRecord(ctx context.Context, player, gameName, version string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO play_history (player, game_name, version, when_added)
		 VALUES (?, ?, ?, datetime('now'))`,
		player, gameName, version,
	)
	if err != nil {
		return fmt.Errorf("recording play history for %q: %w", player, err)
	}
	return nil
}

// HasPlayRecord reports whether the player has a record for (game, version).
func (r *SQLiteReviewRepository) HasPlayRecord(ctx context.Context, player, gameName, version string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM play_history WHERE player = ? AND game_name = ? AND version = ? LIMIT 1`,
		player, gameName, version,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying play history for %q: %w", player, err)
	}
	return true, nil
}
