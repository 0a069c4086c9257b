package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/gamedock/gamedock/internal/launcher"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/model"
	"github.com/gamedock/gamedock/internal/protocol"
	"github.com/gamedock/gamedock/internal/store"
)

type handlerFunc func(ctx context.Context, sess *session, msg protocol.Message) (any, error)

// handlerEntry binds a handler to its access policy: open handlers skip token
// validation, otherwise role ("" = any authenticated role) is enforced.
type handlerEntry struct {
	fn   handlerFunc
	role model.Role
	open bool
}

func (s *Server) buildDispatch() map[string]handlerEntry {
	dev := model.RoleDeveloper
	player := model.RolePlayer
	return map[string]handlerEntry{
		protocol.AccountRegisterPlayer:    {fn: s.handleRegister(player), open: true},
		protocol.AccountLoginPlayer:       {fn: s.handleLogin(player), open: true},
		protocol.AccountLogoutPlayer:      {fn: s.handleLogout, open: true},
		protocol.AccountRegisterDeveloper: {fn: s.handleRegister(dev), open: true},
		protocol.AccountLoginDeveloper:    {fn: s.handleLogin(dev), open: true},
		protocol.AccountLogoutDeveloper:   {fn: s.handleLogout, open: true},

		protocol.GameList:          {fn: s.handleGameList},
		protocol.GameGetDetails:    {fn: s.handleGameGetDetails},
		protocol.GameLatestVersion: {fn: s.handleGameLatestVersion},
		protocol.GameUploadBegin:   {fn: s.handleUploadBegin, role: dev},
		protocol.GameUploadChunk:   {fn: s.handleUploadChunk, role: dev},
		protocol.GameUploadEnd:     {fn: s.handleUploadEnd, role: dev},
		protocol.GameDownloadBegin: {fn: s.handleDownloadBegin, role: player},
		protocol.GameDownloadChunk: {fn: s.handleDownloadChunk, role: player},
		protocol.GameDownloadEnd:   {fn: s.handleDownloadEnd, role: player},
		protocol.GameStart:         {fn: s.handleGameStart, role: player},
		protocol.GameReport:        {fn: s.handleGameReport, open: true},

		protocol.LobbyListRooms:  {fn: s.handleListRooms, role: player},
		protocol.LobbyCreateRoom: {fn: s.handleCreateRoom, role: player},
		protocol.LobbyJoinRoom:   {fn: s.handleJoinRoom, role: player},
		protocol.LobbyLeaveRoom:  {fn: s.handleLeaveRoom, role: player},

		protocol.RoomGet:   {fn: s.handleRoomGet, role: player},
		protocol.RoomReady: {fn: s.handleRoomReady, role: player},

		protocol.ReviewSearchAuthor:     {fn: s.handleReviewSearchAuthor, role: player},
		protocol.ReviewSearchGame:       {fn: s.handleReviewSearchGame, role: player},
		protocol.ReviewAdd:              {fn: s.handleReviewAdd, role: player},
		protocol.ReviewEdit:             {fn: s.handleReviewEdit, role: player},
		protocol.ReviewDelete:           {fn: s.handleReviewDelete, role: player},
		protocol.ReviewEligibilityCheck: {fn: s.handleReviewEligibility, role: player},

		protocol.UserList: {fn: s.handleUserList},
	}
}

// --- accounts ---

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (p credentialsPayload) validate() error {
	if p.Username == "" || p.Password == "" {
		return fmt.Errorf("%w: username and password required", errValidation)
	}
	return nil
}

type tokenPayload struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(role model.Role) handlerFunc {
	return func(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
		var p credentialsPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", errValidation, err)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		token, err := s.auth.Register(ctx, p.Username, p.Password, role)
		if err != nil {
			return nil, err
		}
		sess.token = token
		sess.username = p.Username
		sess.role = role
		return tokenPayload{Token: token}, nil
	}
}

func (s *Server) handleLogin(role model.Role) handlerFunc {
	return func(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
		var p credentialsPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", errValidation, err)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		token, err := s.auth.Login(ctx, p.Username, p.Password, role)
		if err != nil {
			return nil, err
		}
		sess.token = token
		sess.username = p.Username
		sess.role = role
		return tokenPayload{Token: token}, nil
	}
}

func (s *Server) handleLogout(_ context.Context, sess *session, msg protocol.Message) (any, error) {
	token := msg.Token
	if token == "" {
		var p tokenPayload
		if err := msg.DecodePayload(&p); err == nil {
			token = p.Token
		}
	}
	if !s.auth.Logout(token) {
		return nil, fmt.Errorf("%w: unknown session", errValidation)
	}
	if token == sess.token {
		sess.token = ""
		sess.username = ""
		sess.role = ""
	}
	return map[string]bool{"logged_out": true}, nil
}

// --- catalog ---

type gameRef struct {
	GameName string `json:"game_name"`
	Version  int    `json:"version"`
}

func (s *Server) handleGameList(ctx context.Context, sess *session, _ protocol.Message) (any, error) {
	games, err := s.catalog.List(ctx, sess.username, sess.role)
	if err != nil {
		return nil, err
	}
	if games == nil {
		games = []model.Game{}
	}
	return map[string]any{"games": games}, nil
}

func (s *Server) handleGameGetDetails(ctx context.Context, _ *session, msg protocol.Message) (any, error) {
	var p gameRef
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" {
		return nil, fmt.Errorf("%w: game_name required", errValidation)
	}
	g, err := s.catalog.Get(ctx, p.GameName, p.Version)
	if err != nil {
		return nil, err
	}
	return map[string]any{"game": g}, nil
}

func (s *Server) handleGameLatestVersion(ctx context.Context, _ *session, msg protocol.Message) (any, error) {
	var p gameRef
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	g, err := s.catalog.Latest(ctx, p.GameName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"game_name": g.GameName, "version": g.Version, "game": g}, nil
}

// --- package upload ---

type uploadBeginPayload struct {
	GameName    string `json:"game_name"`
	Version     string `json:"version,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	MaxPlayers  int    `json:"max_players,omitempty"`
}

func (s *Server) handleUploadBegin(_ context.Context, sess *session, msg protocol.Message) (any, error) {
	var p uploadBeginPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" {
		return nil, fmt.Errorf("%w: game_name required", errValidation)
	}
	id, err := s.packages.BeginUpload(store.ExpectedMeta{
		GameName:    p.GameName,
		Version:     p.Version,
		Type:        p.Type,
		Description: p.Description,
		MaxPlayers:  p.MaxPlayers,
	})
	if err != nil {
		return nil, err
	}
	sess.uploads[id] = true
	return map[string]string{"upload_id": id}, nil
}

type chunkPayload struct {
	UploadID   string `json:"upload_id,omitempty"`
	DownloadID string `json:"download_id,omitempty"`
	Seq        int    `json:"seq"`
	Data       string `json:"data,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func (s *Server) handleUploadChunk(_ context.Context, _ *session, msg protocol.Message) (any, error) {
	var p chunkPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk data is not base64", errValidation)
	}
	if err := s.packages.AppendChunk(p.UploadID, p.Seq, data); err != nil {
		return nil, err
	}
	return map[string]int{"next_seq": p.Seq + 1}, nil
}

func (s *Server) handleUploadEnd(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p struct {
		UploadID string `json:"upload_id"`
	}
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}

	manifest, finalDir, err := s.packages.FinishUpload(p.UploadID)
	delete(sess.uploads, p.UploadID)
	if err != nil {
		return nil, err
	}

	game, err := s.catalog.Publish(ctx, sess.username, manifest)
	if err != nil {
		// The tree is on disk but the catalog rejected it; roll the publish back.
		os.RemoveAll(finalDir)
		return nil, err
	}
	return map[string]any{"game": game}, nil
}

// --- package download ---

func (s *Server) handleDownloadBegin(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p gameRef
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	// The catalog is authoritative; the tree must also exist on disk.
	if _, err := s.catalog.Get(ctx, p.GameName, p.Version); err != nil {
		return nil, err
	}
	version := strconv.Itoa(p.Version)
	info, err := s.packages.BeginDownload(p.GameName, version)
	if err != nil {
		return nil, err
	}
	sess.downloads[info.DownloadID] = downloadMeta{gameName: p.GameName, version: version}
	return info, nil
}

func (s *Server) handleDownloadChunk(_ context.Context, _ *session, msg protocol.Message) (any, error) {
	var p chunkPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	data, done, err := s.packages.ReadChunk(p.DownloadID, p.Seq, p.ChunkSize)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"seq":  p.Seq,
		"data": base64.StdEncoding.EncodeToString(data),
		"done": done,
	}, nil
}

func (s *Server) handleDownloadEnd(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p struct {
		DownloadID string `json:"download_id"`
	}
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	meta, tracked := sess.downloads[p.DownloadID]
	if err := s.packages.CompleteDownload(p.DownloadID); err != nil {
		return nil, err
	}
	delete(sess.downloads, p.DownloadID)

	// A completed download makes the player eligible to review this version.
	if tracked {
		if err := s.reviews.RecordPlay(ctx, sess.username, meta.gameName, meta.version); err != nil {
			return nil, err
		}
	}
	return map[string]bool{"complete": true}, nil
}

// --- match lifecycle ---

type roomRef struct {
	RoomID int64 `json:"room_id"`
}

func (s *Server) handleGameStart(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p roomRef
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	info, err := s.launcher.StartMatch(ctx, p.RoomID, sess.username)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) handleGameReport(ctx context.Context, _ *session, msg protocol.Message) (any, error) {
	var rpt launcher.Report
	if err := msg.DecodePayload(&rpt); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if err := s.launcher.HandleReport(ctx, rpt); err != nil {
		return nil, err
	}
	return map[string]bool{"accepted": true}, nil
}

// --- lobby ---

func (s *Server) handleListRooms(_ context.Context, _ *session, _ protocol.Message) (any, error) {
	return map[string]any{"rooms": s.rooms.List()}, nil
}

func (s *Server) handleCreateRoom(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p struct {
		GameName string `json:"game_name"`
	}
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" {
		return nil, fmt.Errorf("%w: game_name required", errValidation)
	}

	// A room always pins the latest published version.
	g, err := s.catalog.Latest(ctx, p.GameName)
	if err != nil {
		return nil, err
	}
	view, err := s.rooms.Create(sess.username, lobby.GameMeta{
		GameName:   g.GameName,
		Version:    g.Version,
		Type:       g.Type,
		MaxPlayers: g.MaxPlayers,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": view}, nil
}

func (s *Server) handleJoinRoom(_ context.Context, sess *session, msg protocol.Message) (any, error) {
	var p struct {
		RoomID   int64 `json:"room_id"`
		Spectate bool  `json:"spectate,omitempty"`
	}
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	view, err := s.rooms.Join(p.RoomID, sess.username, p.Spectate)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": view}, nil
}

func (s *Server) handleLeaveRoom(_ context.Context, sess *session, msg protocol.Message) (any, error) {
	var p roomRef
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	res, err := s.rooms.Leave(p.RoomID, sess.username)
	if err != nil {
		return nil, err
	}
	if res.Destroyed {
		s.launcher.Abandon(p.RoomID, res.Port)
	}
	return map[string]any{"room": res.Room, "destroyed": res.Destroyed, "new_host": res.NewHost}, nil
}

func (s *Server) handleRoomGet(_ context.Context, sess *session, msg protocol.Message) (any, error) {
	var p roomRef
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	// Occupants of a running room also see the launch descriptor.
	view, err := s.rooms.GetFor(p.RoomID, sess.username)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": view}, nil
}

func (s *Server) handleRoomReady(_ context.Context, sess *session, msg protocol.Message) (any, error) {
	var p struct {
		RoomID int64 `json:"room_id"`
		Ready  *bool `json:"ready,omitempty"`
	}
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	ready := true
	if p.Ready != nil {
		ready = *p.Ready
	}
	view, err := s.rooms.SetReady(p.RoomID, sess.username, ready)
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": view}, nil
}

// --- reviews ---

type reviewPayload struct {
	Author     string `json:"author,omitempty"`
	GameName   string `json:"game_name,omitempty"`
	Version    int    `json:"version,omitempty"`
	Content    string `json:"content,omitempty"`
	OldContent string `json:"old_content,omitempty"`
	Score      int    `json:"score,omitempty"`
}

func (s *Server) handleReviewSearchAuthor(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p reviewPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	author := p.Author
	if author == "" {
		author = sess.username
	}
	reviews, err := s.reviews.SearchByAuthor(ctx, author)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []model.Review{}
	}
	return map[string]any{"reviews": reviews}, nil
}

func (s *Server) handleReviewSearchGame(ctx context.Context, _ *session, msg protocol.Message) (any, error) {
	var p reviewPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" {
		return nil, fmt.Errorf("%w: game_name required", errValidation)
	}
	reviews, err := s.reviews.SearchByGame(ctx, p.GameName)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []model.Review{}
	}
	return map[string]any{"reviews": reviews}, nil
}

func (s *Server) handleReviewAdd(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p reviewPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: game_name and content required", errValidation)
	}
	err := s.reviews.Add(ctx, sess.username, p.GameName, strconv.Itoa(p.Version), p.Content, p.Score)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"added": true}, nil
}

func (s *Server) handleReviewEdit(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p reviewPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" || p.OldContent == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: game_name, old_content and content required", errValidation)
	}
	err := s.reviews.Edit(ctx, sess.username, p.GameName, strconv.Itoa(p.Version), p.OldContent, p.Content, p.Score)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"edited": true}, nil
}

func (s *Server) handleReviewDelete(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p reviewPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.GameName == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: game_name and content required", errValidation)
	}
	err := s.reviews.Remove(ctx, sess.username, p.GameName, strconv.Itoa(p.Version), p.Content)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func (s *Server) handleReviewEligibility(ctx context.Context, sess *session, msg protocol.Message) (any, error) {
	var p reviewPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	eligible, err := s.reviews.Eligible(ctx, sess.username, p.GameName, strconv.Itoa(p.Version))
	if err != nil {
		return nil, err
	}
	return map[string]bool{"eligible": eligible}, nil
}

// --- users ---

func (s *Server) handleUserList(_ context.Context, _ *session, msg protocol.Message) (any, error) {
	var p struct {
		Role model.Role `json:"role,omitempty"`
	}
	if err := msg.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.Role != "" && !p.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", errValidation, p.Role)
	}
	return map[string]any{"users": s.auth.ListOnline(p.Role)}, nil
}
