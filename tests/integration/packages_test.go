package integration

import (
	"os"
	"path/filepath"

	"github.com/gamedock/gamedock/internal/client"
	"github.com/gamedock/gamedock/internal/model"
	"github.com/gamedock/gamedock/internal/protocol"
)

func (s *ControlPlaneSuite) TestUploadListDownload() {
	dev := s.dial()
	s.Require().NoError(dev.RegisterDeveloper("studio", "pw"))

	archive := s.packageArchive("snake", "1", "2P", 2)
	s.Require().NoError(dev.Upload("snake", archive, 1024))

	// The developer sees the published row.
	resp, err := dev.Do(protocol.GameList, nil)
	s.Require().NoError(err)
	var listed struct {
		Games []model.Game `json:"games"`
	}
	s.Require().NoError(resp.DecodePayload(&listed))
	s.Require().Len(listed.Games, 1)
	s.Equal("snake", listed.Games[0].GameName)
	s.Equal(1, listed.Games[0].Version)
	s.Equal(model.GameType2P, listed.Games[0].Type)

	// Uploading the same version again is rejected as a conflict.
	err = dev.Upload("snake", archive, 1024)
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeConflict, serr.Code)

	// A player downloads and the tree lands intact on disk.
	player := s.dial()
	s.Require().NoError(player.RegisterPlayer("gamer", "pw"))

	root := filepath.Join(s.T().TempDir(), "downloads")
	dir, err := player.Download(root, "snake", 1, 2048)
	s.Require().NoError(err)

	content, err := os.ReadFile(filepath.Join(dir, "assets", "readme.txt"))
	s.Require().NoError(err)
	s.Equal("integration fixture", string(content))

	installed, err := player.ListInstalled(root)
	s.Require().NoError(err)
	s.Require().Len(installed, 1)
	s.Equal("snake", installed[0].GameName)
	s.Equal(1, installed[0].Version)
}

func (s *ControlPlaneSuite) TestDownloadUnlocksReview() {
	dev := s.dial()
	s.Require().NoError(dev.RegisterDeveloper("studio", "pw"))
	s.Require().NoError(dev.Upload("snake", s.packageArchive("snake", "1", "CLI", 1), 4096))

	player := s.dial()
	s.Require().NoError(player.RegisterPlayer("gamer", "pw"))

	// No play record yet: the review is rejected.
	_, err := player.Do(protocol.ReviewAdd, map[string]any{
		"game_name": "snake", "version": 1, "content": "fun", "score": 5,
	})
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeAuth, serr.Code)

	_, err = player.Download(filepath.Join(s.T().TempDir(), "downloads"), "snake", 1, 4096)
	s.Require().NoError(err)

	_, err = player.Do(protocol.ReviewAdd, map[string]any{
		"game_name": "snake", "version": 1, "content": "fun", "score": 5,
	})
	s.Require().NoError(err)

	// The aggregate shows up on the catalog row.
	resp, err := player.Do(protocol.GameGetDetails, map[string]any{"game_name": "snake", "version": 1})
	s.Require().NoError(err)
	var out struct {
		Game model.Game `json:"game"`
	}
	s.Require().NoError(resp.DecodePayload(&out))
	s.Equal(5, out.Game.ScoreSum)
	s.Equal(1, out.Game.ReviewCount)

	// And the review is searchable.
	resp, err = player.Do(protocol.ReviewSearchGame, map[string]string{"game_name": "snake"})
	s.Require().NoError(err)
	var reviews struct {
		Reviews []model.Review `json:"reviews"`
	}
	s.Require().NoError(resp.DecodePayload(&reviews))
	s.Require().Len(reviews.Reviews, 1)
	s.Equal("gamer", reviews.Reviews[0].Author)
}

func (s *ControlPlaneSuite) TestUploadRejectsBadManifest() {
	dev := s.dial()
	s.Require().NoError(dev.RegisterDeveloper("studio", "pw"))

	err := dev.Upload("snake", s.packageArchive("snake", "1", "ARCADE", 2), 4096)
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeAuth, serr.Code)

	// Nothing was published.
	resp, err := dev.Do(protocol.GameList, nil)
	s.Require().NoError(err)
	var listed struct {
		Games []model.Game `json:"games"`
	}
	s.Require().NoError(resp.DecodePayload(&listed))
	s.Empty(listed.Games)
}
