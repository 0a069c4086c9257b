package lobby

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// Domain errors surfaced to the dispatch boundary.
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room full")
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrNotInRoom     = errors.New("not in room")
	ErrNotHost       = errors.New("only the host can do that")
	ErrNotAllReady   = errors.New("players not ready")
	ErrBadState      = errors.New("room is not in the right state")
)

// Registry owns every live room. A single mutex guards all room state; room
// operations are short and never block on I/O.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	rooms  map[int64]*Room
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[int64]*Room)}
}

// Create opens a WAITING room with host as its first player.
func (g *Registry) Create(host string, meta GameMeta) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r := g.occupantRoomLocked(host); r != nil {
		if r.Status != StatusTerminated {
			return View{}, ErrAlreadyInRoom
		}
		// Membership in a finished room is released implicitly.
		g.removeLocked(r, host)
	}

	g.nextID++
	r := &Room{
		ID:      g.nextID,
		Host:    host,
		Players: []string{host},
		Ready:   make(map[string]bool),
		Meta:    meta,
		Status:  StatusWaiting,
	}
	g.rooms[r.ID] = r
	slog.Info("room created", "room_id", r.ID, "host", host, "game", meta.GameName, "version", meta.Version)
	return r.view(), nil
}

// List returns a snapshot of every live room. Terminated rooms stay
// queryable by id until their last member leaves but are not advertised.
func (g *Registry) List() []View {
	g.mu.Lock()
	defer g.mu.Unlock()
	views := make([]View, 0, len(g.rooms))
	for _, r := range g.rooms {
		if r.Status == StatusTerminated {
			continue
		}
		views = append(views, r.view())
	}
	slices.SortFunc(views, func(a, b View) int { return int(a.RoomID - b.RoomID) })
	return views
}

// Get returns a snapshot of one room.
func (g *Registry) Get(roomID int64) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	return r.view(), nil
}

// GetFor returns a snapshot of one room as seen by viewer. Occupants of an
// IN_GAME room also receive the launch descriptor (port and client token) so
// that joiners can connect to the running match.
func (g *Registry) GetFor(roomID int64, viewer string) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	v := r.view()
	if r.Status == StatusInGame && r.Occupant(viewer) {
		v.Port = r.Port
		v.ClientToken = r.ClientToken
	}
	return v, nil
}

// Join adds name to the room: as a player while WAITING and under capacity,
// as a spectator when asSpectator is set or the player slots are full.
func (g *Registry) Join(roomID int64, name string, asSpectator bool) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	if r.Status == StatusTerminated {
		return View{}, ErrBadState
	}
	if prev := g.occupantRoomLocked(name); prev != nil {
		if prev.Status != StatusTerminated {
			return View{}, ErrAlreadyInRoom
		}
		g.removeLocked(prev, name)
	}

	joinAsPlayer := !asSpectator && r.Status == StatusWaiting && len(r.Players) < r.Meta.MaxPlayers
	if joinAsPlayer {
		r.Players = append(r.Players, name)
	} else {
		if !asSpectator {
			return View{}, ErrRoomFull
		}
		r.Spectators = append(r.Spectators, name)
	}
	slog.Info("room join", "room_id", r.ID, "user", name, "spectator", !joinAsPlayer)
	return r.view(), nil
}

// LeaveResult reports the side effects of a Leave for the caller to act on
// outside the registry lock.
type LeaveResult struct {
	Destroyed bool
	NewHost   string
	Port      int
	Room      View
}

// Leave removes name from the room. A departing host hands the room to the
// first remaining player; with no players left, the first spectator is
// promoted. An emptied room is destroyed.
func (g *Registry) Leave(roomID int64, name string) (LeaveResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return LeaveResult{}, ErrRoomNotFound
	}
	if !r.Occupant(name) {
		return LeaveResult{}, ErrNotInRoom
	}
	return g.removeLocked(r, name), nil
}

// RemoveEverywhere drops name from whatever room they occupy. Connection
// teardown calls this; absence is not an error.
func (g *Registry) RemoveEverywhere(name string) *LeaveResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.occupantRoomLocked(name)
	if r == nil {
		return nil
	}
	res := g.removeLocked(r, name)
	return &res
}

func (g *Registry) removeLocked(r *Room, name string) LeaveResult {
	r.Players = slices.DeleteFunc(r.Players, func(p string) bool { return p == name })
	r.Spectators = slices.DeleteFunc(r.Spectators, func(p string) bool { return p == name })
	delete(r.Ready, name)

	res := LeaveResult{}
	if r.Host == name && r.Status != StatusTerminated {
		switch {
		case len(r.Players) > 0:
			r.Host = r.Players[0]
		case len(r.Spectators) > 0:
			promoted := r.Spectators[0]
			r.Spectators = r.Spectators[1:]
			r.Players = append(r.Players, promoted)
			r.Host = promoted
		}
		res.NewHost = r.Host
	}

	if len(r.Players) == 0 && len(r.Spectators) == 0 {
		delete(g.rooms, r.ID)
		r.Status = StatusTerminated
		res.Destroyed = true
		res.Port = r.Port
		slog.Info("room destroyed", "room_id", r.ID)
	} else if res.NewHost != "" {
		slog.Info("host transferred", "room_id", r.ID, "host", r.Host)
	}
	res.Room = r.view()
	return res
}

// SetReady toggles the ready flag for a player in a WAITING room.
func (g *Registry) SetReady(roomID int64, name string, ready bool) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	if r.Status != StatusWaiting {
		return View{}, ErrBadState
	}
	if !r.hasPlayer(name) {
		return View{}, ErrNotInRoom
	}
	r.Ready[name] = ready
	return r.view(), nil
}

// BeginStart validates the start preconditions for caller and flips the room
// to IN_GAME with the given match identity. The room stays IN_GAME while the
// launcher works; ConfirmStart/AbortStart settle the outcome.
func (g *Registry) BeginStart(roomID int64, caller, matchID string, port int, clientToken, reportToken string) (View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	if r.Status != StatusWaiting {
		return View{}, ErrBadState
	}
	if r.Host != caller {
		return View{}, ErrNotHost
	}
	if !r.AllReady() {
		return View{}, ErrNotAllReady
	}

	r.Status = StatusInGame
	r.MatchID = matchID
	r.Port = port
	r.ClientToken = clientToken
	r.ReportToken = reportToken
	r.Results = nil
	r.EndReason = ""
	return r.view(), nil
}

// AbortStart reverts a failed launch back to WAITING, clearing match state.
func (g *Registry) AbortStart(roomID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok || r.Status != StatusInGame {
		return
	}
	r.Status = StatusWaiting
	r.MatchID = ""
	r.Port = 0
	r.ClientToken = ""
	r.ReportToken = ""
	slog.Info("match start aborted", "room_id", roomID)
}

// AuthorizeReport checks the (room, match, token) triple of an incoming
// game report and returns the room's players.
func (g *Registry) AuthorizeReport(roomID int64, matchID, reportToken string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if r.Status != StatusInGame || r.MatchID != matchID || r.ReportToken != reportToken {
		return nil, ErrBadState
	}
	return slices.Clone(r.Players), nil
}

// Terminate ends a match: records results, drops the ready flags and leaves
// the room TERMINATED. The room stays in the registry so members can query
// the terminal state; it is reaped once the last of them leaves. Returns the
// final view and the port to release.
func (g *Registry) Terminate(roomID int64, reason string, results []PlayerResult) (View, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return View{}, 0, ErrRoomNotFound
	}
	port := r.Port
	r.Status = StatusTerminated
	r.EndReason = reason
	r.Results = slices.Clone(results)
	r.Port = 0
	r.ClientToken = ""
	r.ReportToken = ""
	clear(r.Ready)
	slog.Info("room terminated", "room_id", roomID, "reason", reason)
	return r.view(), port, nil
}

// InGame returns the ids of every room currently running a match.
func (g *Registry) InGame() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []int64
	for id, r := range g.rooms {
		if r.Status == StatusInGame {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (g *Registry) occupantRoomLocked(name string) *Room {
	for _, r := range g.rooms {
		if r.Occupant(name) {
			return r
		}
	}
	return nil
}
