package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gamedock/gamedock/internal/auth"
	"github.com/gamedock/gamedock/internal/catalog"
	"github.com/gamedock/gamedock/internal/config"
	"github.com/gamedock/gamedock/internal/db"
	"github.com/gamedock/gamedock/internal/launcher"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/protocol"
	"github.com/gamedock/gamedock/internal/review"
	"github.com/gamedock/gamedock/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	stores, err := db.Open(ctx, filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	packages, err := store.New(filepath.Join(t.TempDir(), "base"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	cfg := config.Default()
	a := auth.New(db.NewSQLiteUserRepository(stores.Auth))
	cat := catalog.New(db.NewSQLiteGameRepository(stores.Game))
	rv := review.New(db.NewSQLiteReviewRepository(stores.Reviews), cat)
	rooms := lobby.NewRegistry()
	l := launcher.New(launcher.Options{
		AdvertiseHost:    "127.0.0.1",
		BindHost:         "127.0.0.1",
		ReportHost:       "127.0.0.1",
		ReportPort:       cfg.ReportPort,
		HeartbeatTimeout: time.Minute,
		StartTimeout:     time.Second,
		ProtocolVersion:  cfg.ProtocolVersion,
	}, packages, rooms, rv)

	return New(cfg, a, cat, rv, packages, rooms, l)
}

func newSession() *session {
	return &session{
		uploads:   make(map[string]bool),
		downloads: make(map[string]downloadMeta),
	}
}

func request(t *testing.T, mtype, token string, payload any) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return protocol.Message{Type: mtype, Token: token, Payload: raw, RequestID: "r1"}
}

func call(t *testing.T, s *Server, sess *session, mtype, token string, payload any) protocol.Message {
	t.Helper()
	return s.dispatch(context.Background(), sess, request(t, mtype, token, payload))
}

func mustOK(t *testing.T, resp protocol.Message) map[string]json.RawMessage {
	t.Helper()
	if resp.Status != protocol.StatusOK {
		t.Fatalf("expected ok, got %s code=%v msg=%q", resp.Status, resp.Code, resp.Message)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return out
}

func mustErr(t *testing.T, resp protocol.Message, code int) {
	t.Helper()
	if resp.Status != protocol.StatusError || resp.Code == nil || *resp.Code != code {
		t.Fatalf("expected error code %d, got status=%s code=%v msg=%q", code, resp.Status, resp.Code, resp.Message)
	}
}

func registerToken(t *testing.T, s *Server, sess *session, mtype, username string) string {
	t.Helper()
	out := mustOK(t, call(t, s, sess, mtype, "", map[string]string{"username": username, "password": "pw"}))
	var token string
	json.Unmarshal(out["token"], &token)
	if len(token) != 32 {
		t.Fatalf("bad token %q", token)
	}
	return token
}

func TestDispatch_UnknownType(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, newSession(), "NOPE.NOPE", "", nil)
	mustErr(t, resp, protocol.CodeUnknownType)
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestServer(t)
	sess := newSession()

	token := registerToken(t, s, sess, protocol.AccountRegisterPlayer, "alice")

	// Duplicate registration is a conflict.
	resp := call(t, s, newSession(), protocol.AccountRegisterPlayer, "", map[string]string{"username": "alice", "password": "x"})
	mustErr(t, resp, protocol.CodeConflict)
	if resp.Message != "username exists" {
		t.Errorf("unexpected message %q", resp.Message)
	}

	// Second login while the session is open is rejected.
	resp = call(t, s, newSession(), protocol.AccountLoginPlayer, "", map[string]string{"username": "alice", "password": "pw"})
	mustErr(t, resp, protocol.CodeAuth)

	mustOK(t, call(t, s, sess, protocol.AccountLogoutPlayer, token, nil))

	resp = call(t, s, sess, protocol.AccountLoginPlayer, "", map[string]string{"username": "alice", "password": "wrong"})
	mustErr(t, resp, protocol.CodeAuth)
	if resp.Message != "bad credentials" {
		t.Errorf("unexpected message %q", resp.Message)
	}

	mustOK(t, call(t, s, sess, protocol.AccountLoginPlayer, "", map[string]string{"username": "alice", "password": "pw"}))
}

func TestRoleScoping(t *testing.T) {
	s := newTestServer(t)
	sess := newSession()
	playerToken := registerToken(t, s, sess, protocol.AccountRegisterPlayer, "alice")

	// Upload is developer-only.
	resp := call(t, s, sess, protocol.GameUploadBegin, playerToken, map[string]string{"game_name": "snake"})
	mustErr(t, resp, protocol.CodeAuth)

	// Lobby ops are player-only.
	devSess := newSession()
	devToken := registerToken(t, s, devSess, protocol.AccountRegisterDeveloper, "dev")
	resp = call(t, s, devSess, protocol.LobbyListRooms, devToken, nil)
	mustErr(t, resp, protocol.CodeAuth)

	// Missing token.
	resp = call(t, s, newSession(), protocol.GameList, "", nil)
	mustErr(t, resp, protocol.CodeAuth)
}

// uploadPackage drives the three-phase upload through the dispatch table.
func uploadPackage(t *testing.T, s *Server, sess *session, token string, manifest map[string]any) protocol.Message {
	t.Helper()
	archive := buildArchive(t, manifest)

	out := mustOK(t, call(t, s, sess, protocol.GameUploadBegin, token, map[string]any{
		"game_name": manifest["game_name"],
	}))
	var uploadID string
	json.Unmarshal(out["upload_id"], &uploadID)

	const chunk = 1024
	seq := 0
	for off := 0; off < len(archive); off += chunk {
		end := min(off+chunk, len(archive))
		mustOK(t, call(t, s, sess, protocol.GameUploadChunk, token, map[string]any{
			"upload_id": uploadID,
			"seq":       seq,
			"data":      base64.StdEncoding.EncodeToString(archive[off:end]),
		}))
		seq++
	}
	return call(t, s, sess, protocol.GameUploadEnd, token, map[string]string{"upload_id": uploadID})
}

func TestUploadDownloadReviewFlow(t *testing.T) {
	s := newTestServer(t)

	devSess := newSession()
	devToken := registerToken(t, s, devSess, protocol.AccountRegisterDeveloper, "dev")
	mustOK(t, uploadPackage(t, s, devSess, devToken, archiveManifest("snake", "1")))

	// Developer sees own games; the row is in the catalog.
	out := mustOK(t, call(t, s, devSess, protocol.GameList, devToken, nil))
	var games []map[string]any
	json.Unmarshal(out["games"], &games)
	if len(games) != 1 || games[0]["game_name"] != "snake" {
		t.Fatalf("unexpected games: %v", games)
	}

	// Same version again is a conflict.
	resp := uploadPackage(t, s, devSess, devToken, archiveManifest("snake", "1"))
	mustErr(t, resp, protocol.CodeConflict)

	// Player downloads it chunk by chunk.
	playerSess := newSession()
	playerToken := registerToken(t, s, playerSess, protocol.AccountRegisterPlayer, "alice")

	out = mustOK(t, call(t, s, playerSess, protocol.GameDownloadBegin, playerToken, map[string]any{
		"game_name": "snake", "version": 1,
	}))
	var downloadID string
	var size int64
	json.Unmarshal(out["download_id"], &downloadID)
	json.Unmarshal(out["size_bytes"], &size)
	if size <= 0 {
		t.Fatalf("bad size %d", size)
	}

	var received int64
	for seq := 0; ; seq++ {
		out = mustOK(t, call(t, s, playerSess, protocol.GameDownloadChunk, playerToken, map[string]any{
			"download_id": downloadID, "seq": seq, "chunk_size": 2048,
		}))
		var data string
		var done bool
		json.Unmarshal(out["data"], &data)
		json.Unmarshal(out["done"], &done)
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			t.Fatalf("chunk not base64: %v", err)
		}
		received += int64(len(raw))
		if done {
			break
		}
	}
	if received != size {
		t.Fatalf("received %d of %d bytes", received, size)
	}
	mustOK(t, call(t, s, playerSess, protocol.GameDownloadEnd, playerToken, map[string]string{"download_id": downloadID}))

	// The completed download unlocks reviewing exactly that version.
	out = mustOK(t, call(t, s, playerSess, protocol.ReviewEligibilityCheck, playerToken, map[string]any{
		"game_name": "snake", "version": 1,
	}))
	var eligible bool
	json.Unmarshal(out["eligible"], &eligible)
	if !eligible {
		t.Fatal("download completion must grant review eligibility")
	}

	mustOK(t, call(t, s, playerSess, protocol.ReviewAdd, playerToken, map[string]any{
		"game_name": "snake", "version": 1, "content": "fun", "score": 5,
	}))
	resp = call(t, s, playerSess, protocol.ReviewAdd, playerToken, map[string]any{
		"game_name": "snake", "version": 2, "content": "fun", "score": 5,
	})
	mustErr(t, resp, protocol.CodeAuth)

	// Aggregates land on the catalog row.
	out = mustOK(t, call(t, s, playerSess, protocol.GameGetDetails, playerToken, map[string]any{
		"game_name": "snake", "version": 1,
	}))
	var game map[string]any
	json.Unmarshal(out["game"], &game)
	if game["score_sum"].(float64) != 5 || game["review_count"].(float64) != 1 {
		t.Errorf("unexpected aggregates: %v", game)
	}
}

func TestLobbyFlow(t *testing.T) {
	s := newTestServer(t)

	devSess := newSession()
	devToken := registerToken(t, s, devSess, protocol.AccountRegisterDeveloper, "dev")
	mustOK(t, uploadPackage(t, s, devSess, devToken, archiveManifest("snake", "1")))

	aliceSess := newSession()
	aliceToken := registerToken(t, s, aliceSess, protocol.AccountRegisterPlayer, "alice")
	bobSess := newSession()
	bobToken := registerToken(t, s, bobSess, protocol.AccountRegisterPlayer, "bob")

	// Creating a room for an unknown game is a 103.
	resp := call(t, s, aliceSess, protocol.LobbyCreateRoom, aliceToken, map[string]string{"game_name": "ghost"})
	mustErr(t, resp, protocol.CodeNotFound)

	out := mustOK(t, call(t, s, aliceSess, protocol.LobbyCreateRoom, aliceToken, map[string]string{"game_name": "snake"}))
	var room map[string]any
	json.Unmarshal(out["room"], &room)
	roomID := int64(room["room_id"].(float64))
	if room["host"] != "alice" || room["status"] != "WAITING" {
		t.Fatalf("unexpected room: %v", room)
	}

	mustOK(t, call(t, s, bobSess, protocol.LobbyJoinRoom, bobToken, map[string]any{"room_id": roomID}))

	// Start before everyone is ready fails.
	resp = call(t, s, aliceSess, protocol.GameStart, aliceToken, map[string]any{"room_id": roomID})
	mustErr(t, resp, protocol.CodeAuth)

	mustOK(t, call(t, s, bobSess, protocol.RoomReady, bobToken, map[string]any{"room_id": roomID, "ready": true}))

	out = mustOK(t, call(t, s, bobSess, protocol.RoomGet, bobToken, map[string]any{"room_id": roomID}))
	json.Unmarshal(out["room"], &room)
	ready := room["ready"].([]any)
	if len(ready) != 1 || ready[0] != "bob" {
		t.Errorf("unexpected ready set: %v", ready)
	}

	// Host leaves; bob inherits the room.
	out = mustOK(t, call(t, s, aliceSess, protocol.LobbyLeaveRoom, aliceToken, map[string]any{"room_id": roomID}))
	var newHost string
	json.Unmarshal(out["new_host"], &newHost)
	if newHost != "bob" {
		t.Errorf("expected bob as new host, got %q", newHost)
	}

	// Last player leaves; the room is destroyed.
	out = mustOK(t, call(t, s, bobSess, protocol.LobbyLeaveRoom, bobToken, map[string]any{"room_id": roomID}))
	var destroyed bool
	json.Unmarshal(out["destroyed"], &destroyed)
	if !destroyed {
		t.Error("expected room destruction")
	}
}

func TestUserList(t *testing.T) {
	s := newTestServer(t)
	sess := newSession()
	token := registerToken(t, s, sess, protocol.AccountRegisterPlayer, "alice")
	registerToken(t, s, newSession(), protocol.AccountRegisterDeveloper, "dev")

	out := mustOK(t, call(t, s, sess, protocol.UserList, token, map[string]string{"role": "developer"}))
	var users []string
	json.Unmarshal(out["users"], &users)
	if len(users) != 1 || users[0] != "dev" {
		t.Errorf("unexpected users: %v", users)
	}

	resp := call(t, s, sess, protocol.UserList, token, map[string]string{"role": "wizard"})
	mustErr(t, resp, protocol.CodeAuth)
}

func TestTeardownReleasesSession(t *testing.T) {
	s := newTestServer(t)
	sess := newSession()
	token := registerToken(t, s, sess, protocol.AccountRegisterPlayer, "alice")

	devSess := newSession()
	devToken := registerToken(t, s, devSess, protocol.AccountRegisterDeveloper, "dev")
	mustOK(t, uploadPackage(t, s, devSess, devToken, archiveManifest("snake", "1")))
	mustOK(t, call(t, s, sess, protocol.LobbyCreateRoom, token, map[string]string{"game_name": "snake"}))

	s.teardown(sess)

	// The session token is dead and the room is gone.
	resp := call(t, s, sess, protocol.GameList, token, nil)
	mustErr(t, resp, protocol.CodeAuth)
	if rooms := s.rooms.List(); len(rooms) != 0 {
		t.Errorf("room must be destroyed on teardown: %v", rooms)
	}

	// The user can log back in afterwards.
	mustOK(t, call(t, s, newSession(), protocol.AccountLoginPlayer, "", map[string]string{"username": "alice", "password": "pw"}))
}
