package lobby

import (
	"slices"

	"github.com/gamedock/gamedock/internal/model"
)

// Status is the room lifecycle state.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInGame     Status = "IN_GAME"
	StatusTerminated Status = "TERMINATED"
)

// GameMeta pins the room to one published package version.
type GameMeta struct {
	GameName   string         `json:"game_name"`
	Version    int            `json:"version"`
	Type       model.GameType `json:"type"`
	MaxPlayers int            `json:"max_players"`
}

// PlayerResult is one player's outcome from a finished match.
type PlayerResult struct {
	Player  string `json:"player"`
	Outcome string `json:"outcome"`
	Rank    int    `json:"rank,omitempty"`
	Score   int    `json:"score,omitempty"`
}

// Room is one lobby. All fields are guarded by the owning registry's mutex;
// rooms are never shared outside it.
type Room struct {
	ID         int64
	Host       string
	Players    []string
	Spectators []string
	Ready      map[string]bool
	Meta       GameMeta
	Status     Status

	// Match state, populated while IN_GAME.
	MatchID     string
	Port        int
	ClientToken string
	ReportToken string
	Results     []PlayerResult
	EndReason   string
}

func (r *Room) hasPlayer(name string) bool    { return slices.Contains(r.Players, name) }
func (r *Room) hasSpectator(name string) bool { return slices.Contains(r.Spectators, name) }

// Occupant reports whether name is in the room in any capacity.
func (r *Room) Occupant(name string) bool {
	return r.hasPlayer(name) || r.hasSpectator(name)
}

// AllReady reports whether every non-host player has toggled ready.
func (r *Room) AllReady() bool {
	for _, p := range r.Players {
		if p == r.Host {
			continue
		}
		if !r.Ready[p] {
			return false
		}
	}
	return true
}

// View is the wire representation of a room.
type View struct {
	RoomID     int64           `json:"room_id"`
	Host       string          `json:"host"`
	Players    []string        `json:"players"`
	Spectators []string        `json:"spectators"`
	Ready      []string        `json:"ready"`
	Status     Status          `json:"status"`
	GameName   string          `json:"game_name"`
	Version    int             `json:"version"`
	Type       model.GameType  `json:"type"`
	MaxPlayers int             `json:"max_players"`
	MatchID    string          `json:"match_id,omitempty"`
	Results    []PlayerResult  `json:"results,omitempty"`
	EndReason  string          `json:"end_reason,omitempty"`

	// Launch descriptor, revealed only to occupants of an IN_GAME room.
	Port        int    `json:"port,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}

func (r *Room) view() View {
	ready := make([]string, 0, len(r.Ready))
	for _, p := range r.Players {
		if r.Ready[p] {
			ready = append(ready, p)
		}
	}
	return View{
		RoomID:     r.ID,
		Host:       r.Host,
		Players:    slices.Clone(r.Players),
		Spectators: slices.Clone(r.Spectators),
		Ready:      ready,
		Status:     r.Status,
		GameName:   r.Meta.GameName,
		Version:    r.Meta.Version,
		Type:       r.Meta.Type,
		MaxPlayers: r.Meta.MaxPlayers,
		MatchID:    r.MatchID,
		Results:    slices.Clone(r.Results),
		EndReason:  r.EndReason,
	}
}
