package client

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gamedock/gamedock/internal/store"
)

// MatchInfo is what GAME.START hands the host: where the game server runs
// and the secret admitting this client.
type MatchInfo struct {
	RoomID      int64  `json:"room_id"`
	MatchID     string `json:"match_id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	ClientToken string `json:"client_token"`
	GameName    string `json:"game_name"`
	Version     int    `json:"version"`
}

// LaunchClient starts the installed game client for a match. The client
// token travels via GAMEDOCK_CLIENT_TOKEN and a token file; the command
// template never receives it as argv.
func (c *Client) LaunchClient(installDir string, info MatchInfo) (*exec.Cmd, error) {
	manifest, err := store.ParseManifest(filepath.Join(installDir, "manifest.json"))
	if err != nil {
		return nil, err
	}

	runDir, err := os.MkdirTemp("", "gamedock-client-")
	if err != nil {
		return nil, fmt.Errorf("creating client run dir: %w", err)
	}
	tokenPath := filepath.Join(runDir, "client_token")
	if err := os.WriteFile(tokenPath, []byte(info.ClientToken), 0o600); err != nil {
		os.RemoveAll(runDir)
		return nil, fmt.Errorf("writing token file: %w", err)
	}

	tctx := map[string]string{
		"host":              info.Host,
		"port":              strconv.Itoa(info.Port),
		"room_id":           strconv.FormatInt(info.RoomID, 10),
		"match_id":          info.MatchID,
		"client_token":      info.ClientToken,
		"client_token_path": tokenPath,
		"player_name":       c.username,
	}

	command, err := store.RenderTemplate(manifest.Client.Command, tctx)
	if err != nil {
		os.RemoveAll(runDir)
		return nil, err
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		os.RemoveAll(runDir)
		return nil, errors.New("empty client command")
	}

	workDir := installDir
	if manifest.Client.WorkingDir != "" {
		workDir = filepath.Join(installDir, manifest.Client.WorkingDir)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	env := os.Environ()
	for key, tmpl := range manifest.Client.Env {
		val, err := store.RenderTemplate(tmpl, tctx)
		if err != nil {
			os.RemoveAll(runDir)
			return nil, err
		}
		env = append(env, key+"="+val)
	}
	env = append(env, "GAMEDOCK_CLIENT_TOKEN="+info.ClientToken)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		os.RemoveAll(runDir)
		return nil, fmt.Errorf("starting game client: %w", err)
	}
	return cmd, nil
}
