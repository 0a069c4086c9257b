package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gamedock/gamedock/internal/model"
	"github.com/gamedock/gamedock/internal/store"
)

// Domain errors surfaced to the dispatch boundary.
var (
	ErrGameNotFound   = errors.New("game not found")
	ErrVersionTaken   = errors.New("target version already exists")
	ErrInvalidVersion = errors.New("invalid version")
)

// GameRepository is the persistence surface the catalog needs.
type GameRepository interface {
	NextVersion(ctx context.Context, author, gameName string, gameType model.GameType) (int, error)
	Insert(ctx context.Context, g model.Game) error
	ListByAuthor(ctx context.Context, author string) ([]model.Game, error)
	ListAll(ctx context.Context) ([]model.Game, error)
	GetLatest(ctx context.Context, gameName string) (*model.Game, error)
	Get(ctx context.Context, gameName string, version int) (*model.Game, error)
	ApplyScoreDelta(ctx context.Context, gameName string, scoreDelta, countDelta int) error
}

// Catalog indexes published packages and their review aggregates.
type Catalog struct {
	games GameRepository
}

// New creates a Catalog over the given games repository.
func New(games GameRepository) *Catalog {
	return &Catalog{games: games}
}

// ParseVersion parses a manifest version string into a catalog version.
// Versions are non-negative decimal integers in canonical form: the package
// tree publishes under the literal string, so "01" must not alias version 1.
func ParseVersion(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || strconv.Itoa(v) != s {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return v, nil
}

// Publish records a newly stored package. The manifest version wins when set;
// an empty version asks for automatic assignment (0, then max+1 per
// (author, game_name, type)).
func (c *Catalog) Publish(ctx context.Context, author string, m *store.Manifest) (model.Game, error) {
	var version int
	if m.Version != "" {
		v, err := ParseVersion(m.Version)
		if err != nil {
			return model.Game{}, err
		}
		version = v
	} else {
		v, err := c.games.NextVersion(ctx, author, m.GameName, m.Type)
		if err != nil {
			return model.Game{}, err
		}
		version = v
	}

	if existing, err := c.games.Get(ctx, m.GameName, version); err != nil {
		return model.Game{}, err
	} else if existing != nil {
		return model.Game{}, ErrVersionTaken
	}

	g := model.Game{
		Author:      author,
		GameName:    m.GameName,
		Version:     version,
		Type:        m.Type,
		Description: m.Description,
		MaxPlayers:  m.MaxPlayers,
	}
	if err := c.games.Insert(ctx, g); err != nil {
		return model.Game{}, err
	}
	slog.Info("catalog publish", "author", author, "game", g.GameName, "version", g.Version, "type", g.Type)
	return g, nil
}

// List returns the catalog rows visible to the caller: developers see their
// own publications, players see everything.
func (c *Catalog) List(ctx context.Context, caller string, role model.Role) ([]model.Game, error) {
	if role == model.RoleDeveloper {
		return c.games.ListByAuthor(ctx, caller)
	}
	return c.games.ListAll(ctx)
}

// Latest returns the highest published version of gameName.
func (c *Catalog) Latest(ctx context.Context, gameName string) (model.Game, error) {
	g, err := c.games.GetLatest(ctx, gameName)
	if err != nil {
		return model.Game{}, err
	}
	if g == nil {
		return model.Game{}, fmt.Errorf("%w: %q", ErrGameNotFound, gameName)
	}
	return *g, nil
}

// Get returns one published (game, version) row.
func (c *Catalog) Get(ctx context.Context, gameName string, version int) (model.Game, error) {
	g, err := c.games.Get(ctx, gameName, version)
	if err != nil {
		return model.Game{}, err
	}
	if g == nil {
		return model.Game{}, fmt.Errorf("%w: %q v%d", ErrGameNotFound, gameName, version)
	}
	return *g, nil
}

// ApplyScoreDelta folds a review mutation into the game's aggregates.
func (c *Catalog) ApplyScoreDelta(ctx context.Context, gameName string, scoreDelta, countDelta int) error {
	return c.games.ApplyScoreDelta(ctx, gameName, scoreDelta, countDelta)
}
