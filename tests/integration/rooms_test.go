package integration

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gamedock/gamedock/internal/client"
	"github.com/gamedock/gamedock/internal/launcher"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/protocol"
)

func (s *ControlPlaneSuite) publishGame(game string) {
	dev := s.dial()
	s.Require().NoError(dev.RegisterDeveloper("studio", "pw"))
	s.Require().NoError(dev.Upload(game, s.packageArchive(game, "1", "2P", 2), 4096))
	s.Require().NoError(dev.Logout())
}

func decodeRoom(s *ControlPlaneSuite, resp protocol.Message) lobby.View {
	var out struct {
		Room lobby.View `json:"room"`
	}
	s.Require().NoError(resp.DecodePayload(&out))
	return out.Room
}

func (s *ControlPlaneSuite) roomView(c *client.Client, roomID int64) (lobby.View, error) {
	resp, err := c.Do(protocol.RoomGet, map[string]any{"room_id": roomID})
	if err != nil {
		return lobby.View{}, err
	}
	return decodeRoom(s, resp), nil
}

// sendReport delivers one frame on the report channel and requires an ok
// response.
func (s *ControlPlaneSuite) sendReport(rpt launcher.Report) {
	conn, err := net.DialTimeout("tcp", s.reportAddr, requestTimeout)
	s.Require().NoError(err)
	defer conn.Close()

	raw, err := json.Marshal(rpt)
	s.Require().NoError(err)
	_, err = conn.Write(append(raw, '\n'))
	s.Require().NoError(err)

	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	dec := json.NewDecoder(conn)
	var resp protocol.Message
	s.Require().NoError(dec.Decode(&resp))
	s.Require().Equal(protocol.StatusOK, resp.Status, "report rejected: %s", resp.Message)
}

func (s *ControlPlaneSuite) TestRoomLifecycle() {
	s.publishGame("snake")

	alice := s.dial()
	bob := s.dial()
	s.Require().NoError(alice.RegisterPlayer("alice", "pw"))
	s.Require().NoError(bob.RegisterPlayer("bob", "pw"))

	resp, err := alice.Do(protocol.LobbyCreateRoom, map[string]string{"game_name": "snake"})
	s.Require().NoError(err)
	room := decodeRoom(s, resp)
	s.Equal("alice", room.Host)
	s.Equal(lobby.StatusWaiting, room.Status)
	s.Equal(1, room.Version)

	resp, err = bob.Do(protocol.LobbyJoinRoom, map[string]any{"room_id": room.RoomID})
	s.Require().NoError(err)
	s.Len(decodeRoom(s, resp).Players, 2)

	// A third player only fits as spectator.
	carol := s.dial()
	s.Require().NoError(carol.RegisterPlayer("carol", "pw"))
	_, err = carol.Do(protocol.LobbyJoinRoom, map[string]any{"room_id": room.RoomID})
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeAuth, serr.Code)
	resp, err = carol.Do(protocol.LobbyJoinRoom, map[string]any{"room_id": room.RoomID, "spectate": true})
	s.Require().NoError(err)
	s.Equal([]string{"carol"}, decodeRoom(s, resp).Spectators)

	// Start fails until bob is ready.
	_, err = alice.Do(protocol.GameStart, map[string]any{"room_id": room.RoomID})
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeAuth, serr.Code)

	_, err = bob.Do(protocol.RoomReady, map[string]any{"room_id": room.RoomID, "ready": true})
	s.Require().NoError(err)

	// Host leaves: bob inherits; carol stays spectator.
	resp, err = alice.Do(protocol.LobbyLeaveRoom, map[string]any{"room_id": room.RoomID})
	s.Require().NoError(err)
	var left struct {
		NewHost   string `json:"new_host"`
		Destroyed bool   `json:"destroyed"`
	}
	s.Require().NoError(json.Unmarshal(resp.Payload, &left))
	s.Equal("bob", left.NewHost)
	s.False(left.Destroyed)
}

func (s *ControlPlaneSuite) TestMatchStartWithReportChannel() {
	// The game server is a stub script that leaks its provisioned report
	// token to a file in its working dir, where the test can pick it up.
	s.publishReportingGame("snake")

	alice := s.dial()
	watcher := s.dial()
	s.Require().NoError(alice.RegisterPlayer("alice", "pw"))
	s.Require().NoError(watcher.RegisterPlayer("watcher", "pw"))

	resp, err := alice.Do(protocol.LobbyCreateRoom, map[string]string{"game_name": "snake"})
	s.Require().NoError(err)
	room := decodeRoom(s, resp)

	// GAME.START blocks alice's connection until the child reports STARTED,
	// so drive it from a goroutine and watch the room from another session.
	type startResult struct {
		resp protocol.Message
		err  error
	}
	done := make(chan startResult, 1)
	go func() {
		resp, err := alice.Do(protocol.GameStart, map[string]any{"room_id": room.RoomID})
		done <- startResult{resp, err}
	}()

	var matchID string
	s.Require().Eventually(func() bool {
		v, err := s.roomView(watcher, room.RoomID)
		if err != nil || v.MatchID == "" {
			return false
		}
		matchID = v.MatchID
		return true
	}, 5*time.Second, 20*time.Millisecond, "match id should appear once the room is IN_GAME")

	reportToken := s.waitForLeakedToken("snake")
	s.sendReport(launcher.Report{
		Type:   protocol.GameReport,
		Status: launcher.ReportStarted,
		RoomID: room.RoomID, MatchID: matchID,
		ReportToken: reportToken,
	})

	res := <-done
	s.Require().NoError(res.err)
	var info client.MatchInfo
	s.Require().NoError(res.resp.DecodePayload(&info))
	s.Equal("127.0.0.1", info.Host)
	s.NotZero(info.Port)
	s.Len(info.ClientToken, 32)

	// Occupants can fetch the launch descriptor on demand; outsiders cannot.
	v, err := s.roomView(alice, room.RoomID)
	s.Require().NoError(err)
	s.Equal(info.Port, v.Port)
	s.Equal(info.ClientToken, v.ClientToken)
	v, err = s.roomView(watcher, room.RoomID)
	s.Require().NoError(err)
	s.Zero(v.Port)
	s.Empty(v.ClientToken)

	// END over the report channel terminates the room and records history.
	s.sendReport(launcher.Report{
		Type:   protocol.GameReport,
		Status: launcher.ReportEnd,
		RoomID: room.RoomID, MatchID: matchID,
		ReportToken: reportToken,
		Results:     []lobby.PlayerResult{{Player: "alice", Outcome: "WIN"}},
	})

	// The room stays queryable in its terminal state.
	s.Require().Eventually(func() bool {
		v, err := s.roomView(watcher, room.RoomID)
		return err == nil && v.Status == lobby.StatusTerminated
	}, 5*time.Second, 20*time.Millisecond, "room should reach TERMINATED after END")

	v, err = s.roomView(watcher, room.RoomID)
	s.Require().NoError(err)
	s.Equal("finished", v.EndReason)
	s.Require().Len(v.Results, 1)
	s.Equal("alice", v.Results[0].Player)
	s.Zero(v.Port)
	s.Empty(v.ClientToken)

	// It is reaped once its last member leaves.
	_, err = alice.Do(protocol.LobbyLeaveRoom, map[string]any{"room_id": room.RoomID})
	s.Require().NoError(err)
	_, err = s.roomView(watcher, room.RoomID)
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeNotFound, serr.Code)

	// Finishing the match grants review eligibility for the pinned version.
	resp, err = alice.Do(protocol.ReviewEligibilityCheck, map[string]any{"game_name": "snake", "version": 1})
	s.Require().NoError(err)
	var elig struct {
		Eligible bool `json:"eligible"`
	}
	s.Require().NoError(resp.DecodePayload(&elig))
	s.True(elig.Eligible)
}

// waitForLeakedToken polls for the token file the stub game server writes.
func (s *ControlPlaneSuite) waitForLeakedToken(game string) string {
	path := filepath.Join(s.baseDir, game, "1", "report_token.txt")
	var token string
	s.Require().Eventually(func() bool {
		raw, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		token = strings.TrimSpace(string(raw))
		return len(token) == 32
	}, 5*time.Second, 20*time.Millisecond, "stub game server should write its report token")
	return token
}
