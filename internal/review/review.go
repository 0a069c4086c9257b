package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gamedock/gamedock/internal/model"
)

// Domain errors surfaced to the dispatch boundary.
var (
	ErrNotEligible    = errors.New("not eligible to review")
	ErrReviewNotFound = errors.New("review not found")
	ErrBadScore       = errors.New("score must be an integer between 1 and 5")
)

// Repository is the persistence surface the review service needs.
type Repository interface {
	Insert(ctx context.Context, rv model.Review) error
	GetScore(ctx context.Context, author, gameName, version, content string) (score int, found bool, err error)
	Update(ctx context.Context, author, gameName, version, oldContent, newContent string, newScore int) error
	Delete(ctx context.Context, author, gameName, version, content string) error
	ListByGame(ctx context.Context, gameName string) ([]model.Review, error)
	ListByAuthor(ctx context.Context, author string) ([]model.Review, error)
	AddPlayRecord(ctx context.Context, player, gameName, version string) error
	HasPlayRecord(ctx context.Context, player, gameName, version string) (bool, error)
}

// ScoreSink receives aggregate adjustments for every review mutation.
type ScoreSink interface {
	ApplyScoreDelta(ctx context.Context, gameName string, scoreDelta, countDelta int) error
}

// Service enforces review eligibility and keeps the catalog aggregates in
// step with every mutation.
type Service struct {
	reviews Repository
	scores  ScoreSink
}

// New creates a review Service.
func New(reviews Repository, scores ScoreSink) *Service {
	return &Service{reviews: reviews, scores: scores}
}

func validScore(score int) bool { return score >= 1 && score <= 5 }

// Eligible reports whether player may review (gameName, version): a prior
// download or a finished match of that exact version.
func (s *Service) Eligible(ctx context.Context, player, gameName, version string) (bool, error) {
	return s.reviews.HasPlayRecord(ctx, player, gameName, version)
}

// RecordPlay marks the player as having obtained (gameName, version).
// Download completion and match END both land here; the record is idempotent.
func (s *Service) RecordPlay(ctx context.Context, player, gameName, version string) error {
	return s.reviews.AddPlayRecord(ctx, player, gameName, version)
}

// Add appends a review. The aggregate update and the row insert are two
// sequential writes to two stores; a crash between them loses only the
// aggregate, never the review.
func (s *Service) Add(ctx context.Context, author, gameName, version, content string, score int) error {
	if !validScore(score) {
		return ErrBadScore
	}
	ok, err := s.Eligible(ctx, author, gameName, version)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("review rejected, no play record", "author", author, "game", gameName, "version", version)
		return ErrNotEligible
	}

	if err := s.reviews.Insert(ctx, model.Review{
		Author:   author,
		GameName: gameName,
		Version:  version,
		Content:  content,
		Score:    score,
	}); err != nil {
		return err
	}
	if err := s.scores.ApplyScoreDelta(ctx, gameName, score, 1); err != nil {
		return fmt.Errorf("updating score aggregate: %w", err)
	}
	slog.Info("review added", "author", author, "game", gameName, "version", version, "score", score)
	return nil
}

// Edit rewrites an existing review, identified by its old content, and folds
// the score difference into the aggregate.
func (s *Service) Edit(ctx context.Context, author, gameName, version, oldContent, newContent string, newScore int) error {
	if !validScore(newScore) {
		return ErrBadScore
	}
	ok, err := s.Eligible(ctx, author, gameName, version)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEligible
	}
	oldScore, found, err := s.reviews.GetScore(ctx, author, gameName, version, oldContent)
	if err != nil {
		return err
	}
	if !found {
		return ErrReviewNotFound
	}

	if err := s.reviews.Update(ctx, author, gameName, version, oldContent, newContent, newScore); err != nil {
		return err
	}
	if err := s.scores.ApplyScoreDelta(ctx, gameName, newScore-oldScore, 0); err != nil {
		return fmt.Errorf("updating score aggregate: %w", err)
	}
	return nil
}

// Remove deletes a review and retracts its score from the aggregate.
func (s *Service) Remove(ctx context.Context, author, gameName, version, content string) error {
	score, found, err := s.reviews.GetScore(ctx, author, gameName, version, content)
	if err != nil {
		return err
	}
	if !found {
		return ErrReviewNotFound
	}

	if err := s.reviews.Delete(ctx, author, gameName, version, content); err != nil {
		return err
	}
	if err := s.scores.ApplyScoreDelta(ctx, gameName, -score, -1); err != nil {
		return fmt.Errorf("updating score aggregate: %w", err)
	}
	return nil
}

// SearchByGame returns every review of one game.
func (s *Service) SearchByGame(ctx context.Context, gameName string) ([]model.Review, error) {
	return s.reviews.ListByGame(ctx, gameName)
}

// SearchByAuthor returns every review written by one player.
func (s *Service) SearchByAuthor(ctx context.Context, author string) ([]model.Review, error) {
	return s.reviews.ListByAuthor(ctx, author)
}
