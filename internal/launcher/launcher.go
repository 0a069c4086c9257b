package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gamedock/gamedock/internal/auth"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/store"
)

// Domain errors surfaced to the dispatch boundary.
var (
	ErrStartTimeout  = errors.New("game server did not report STARTED in time")
	ErrUnknownMatch  = errors.New("unknown match")
	ErrUnknownStatus = errors.New("unknown report status")
)

// Report statuses a child may send on the report channel.
const (
	ReportStarted   = "STARTED"
	ReportHeartbeat = "HEARTBEAT"
	ReportEnd       = "END"
	ReportError     = "ERROR"
)

// Report is one frame on the report channel. The token triple authenticates
// the sender; everything else is advisory.
type Report struct {
	Type        string               `json:"type"`
	Status      string               `json:"status"`
	RoomID      int64                `json:"room_id"`
	MatchID     string               `json:"match_id"`
	ReportToken string               `json:"report_token"`
	Reason      string               `json:"reason,omitempty"`
	ErrMsg      string               `json:"err_msg,omitempty"`
	Results     []lobby.PlayerResult `json:"results,omitempty"`
}

// ResultSink receives per-player completion records from finished matches.
type ResultSink interface {
	RecordPlay(ctx context.Context, player, gameName, version string) error
}

// Options tunes the launcher.
type Options struct {
	AdvertiseHost    string
	BindHost         string
	ReportHost       string
	ReportPort       int
	HeartbeatTimeout time.Duration
	StartTimeout     time.Duration
	ProtocolVersion  int
}

type match struct {
	roomID   int64
	matchID  string
	gameName string
	version  string
	cmd      *exec.Cmd
	runDir   string

	started   chan struct{}
	startOnce sync.Once
	lastBeat  atomic.Int64 // unix nanos of the last STARTED/HEARTBEAT
}

func (m *match) beat() { m.lastBeat.Store(time.Now().UnixNano()) }

// Launcher turns WAITING rooms into running game-server subprocesses and
// tracks their liveness through the report channel.
type Launcher struct {
	opts     Options
	packages *store.PackageStore
	rooms    *lobby.Registry
	ports    *PortAllocator
	sink     ResultSink

	mu      sync.Mutex
	matches map[int64]*match
}

// New creates a Launcher.
func New(opts Options, packages *store.PackageStore, rooms *lobby.Registry, sink ResultSink) *Launcher {
	return &Launcher{
		opts:     opts,
		packages: packages,
		rooms:    rooms,
		ports:    NewPortAllocator(opts.BindHost),
		sink:     sink,
		matches:  make(map[int64]*match),
	}
}

// StartInfo is what the host receives after a successful launch.
type StartInfo struct {
	RoomID      int64  `json:"room_id"`
	MatchID     string `json:"match_id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	ClientToken string `json:"client_token"`
	GameName    string `json:"game_name"`
	Version     int    `json:"version"`
}

// StartMatch launches the game server for a room. caller must be the host
// and every other player ready. On any failure after the room flipped to
// IN_GAME, the room reverts to WAITING.
func (l *Launcher) StartMatch(ctx context.Context, roomID int64, caller string) (StartInfo, error) {
	view, err := l.rooms.Get(roomID)
	if err != nil {
		return StartInfo{}, err
	}
	version := strconv.Itoa(view.Version)
	manifest, err := l.packages.LoadManifest(view.GameName, version)
	if err != nil {
		return StartInfo{}, err
	}

	port, err := l.ports.Allocate()
	if err != nil {
		return StartInfo{}, err
	}
	clientToken, err := auth.NewToken()
	if err != nil {
		l.ports.Release(port)
		return StartInfo{}, err
	}
	reportToken, err := auth.NewToken()
	if err != nil {
		l.ports.Release(port)
		return StartInfo{}, err
	}
	matchID, err := auth.NewToken()
	if err != nil {
		l.ports.Release(port)
		return StartInfo{}, err
	}

	view, err = l.rooms.BeginStart(roomID, caller, matchID, port, clientToken, reportToken)
	if err != nil {
		l.ports.Release(port)
		return StartInfo{}, err
	}

	m, err := l.spawn(view, manifest, port, clientToken, reportToken, matchID)
	if err != nil {
		l.rooms.AbortStart(roomID)
		l.ports.Release(port)
		return StartInfo{}, err
	}

	l.mu.Lock()
	l.matches[roomID] = m
	l.mu.Unlock()

	if err := l.awaitStarted(ctx, m, manifest); err != nil {
		l.killMatch(m)
		l.rooms.AbortStart(roomID)
		l.ports.Release(port)
		l.mu.Lock()
		delete(l.matches, roomID)
		l.mu.Unlock()
		return StartInfo{}, err
	}

	slog.Info("match running", "room_id", roomID, "match_id", matchID, "game", view.GameName, "port", port)
	return StartInfo{
		RoomID:      roomID,
		MatchID:     matchID,
		Host:        l.opts.AdvertiseHost,
		Port:        port,
		ClientToken: clientToken,
		GameName:    view.GameName,
		Version:     view.Version,
	}, nil
}

// spawn renders the server command and starts the child in its package tree.
func (l *Launcher) spawn(view lobby.View, manifest *store.Manifest, port int, clientToken, reportToken, matchID string) (*match, error) {
	runDir, err := os.MkdirTemp("", "gamedock-match-")
	if err != nil {
		return nil, fmt.Errorf("creating match run dir: %w", err)
	}
	fail := func(err error) (*match, error) {
		os.RemoveAll(runDir)
		return nil, err
	}

	tctx, err := l.serverContext(view, port, clientToken, reportToken, matchID, runDir)
	if err != nil {
		return fail(err)
	}

	command, err := store.RenderTemplate(manifest.Server.Command, tctx)
	if err != nil {
		return fail(err)
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return fail(errors.New("empty server command"))
	}

	workDir := l.packages.PackageDir(view.GameName, strconv.Itoa(view.Version))
	if manifest.Server.WorkingDir != "" {
		workDir = filepath.Join(workDir, manifest.Server.WorkingDir)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	// Children get their own session so the whole process group can be
	// signalled at teardown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	env := os.Environ()
	for key, tmpl := range manifest.Server.Env {
		val, err := store.RenderTemplate(tmpl, tctx)
		if err != nil {
			return fail(err)
		}
		env = append(env, key+"="+val)
	}
	// Secrets travel via env and token files, never argv.
	env = append(env,
		"GAMEDOCK_CLIENT_TOKEN="+clientToken,
		"GAMEDOCK_REPORT_TOKEN="+reportToken,
	)
	cmd.Env = env

	stdout, err := os.Create(filepath.Join(runDir, "stdout.log"))
	if err != nil {
		return fail(fmt.Errorf("creating child log: %w", err))
	}
	stderr, err := os.Create(filepath.Join(runDir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return fail(fmt.Errorf("creating child log: %w", err))
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fail(fmt.Errorf("starting game server: %w", err))
	}
	slog.Info("game server spawned", "room_id", view.RoomID, "pid", cmd.Process.Pid, "cmd", command)

	m := &match{
		roomID:   view.RoomID,
		matchID:  matchID,
		gameName: view.GameName,
		version:  strconv.Itoa(view.Version),
		cmd:      cmd,
		runDir:   runDir,
		started:  make(chan struct{}),
	}
	go func() {
		// Reap the child whenever it exits.
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		slog.Debug("game server exited", "room_id", view.RoomID, "err", err)
	}()
	return m, nil
}

// serverContext builds the template substitution map for the server command
// and env, writing the token and player files into runDir.
func (l *Launcher) serverContext(view lobby.View, port int, clientToken, reportToken, matchID, runDir string) (map[string]string, error) {
	playersJSON, err := json.Marshal(view.Players)
	if err != nil {
		return nil, fmt.Errorf("encoding player list: %w", err)
	}

	clientTokenPath := filepath.Join(runDir, "client_token")
	reportTokenPath := filepath.Join(runDir, "report_token")
	playersJSONPath := filepath.Join(runDir, "players.json")
	files := []struct {
		path string
		data []byte
	}{
		{clientTokenPath, []byte(clientToken)},
		{reportTokenPath, []byte(reportToken)},
		{playersJSONPath, playersJSON},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", filepath.Base(f.path), err)
		}
	}

	tctx := map[string]string{
		"host":                      l.opts.AdvertiseHost,
		"bind_host":                 l.opts.BindHost,
		"port":                      portString(port),
		"room_id":                   strconv.FormatInt(view.RoomID, 10),
		"match_id":                  matchID,
		"client_token":              clientToken,
		"report_token":              reportToken,
		"client_token_path":         clientTokenPath,
		"report_token_path":         reportTokenPath,
		"player_name":               view.Host,
		"player_count":              strconv.Itoa(len(view.Players)),
		"players_json":              string(playersJSON),
		"players_csv":               strings.Join(view.Players, ","),
		"players_json_path":         playersJSONPath,
		"report_host":               l.opts.ReportHost,
		"report_port":               portString(l.opts.ReportPort),
		"platform_protocol_version": strconv.Itoa(l.opts.ProtocolVersion),
	}
	for i, p := range view.Players {
		tctx["p"+strconv.Itoa(i+1)] = p
	}
	return tctx, nil
}

func (l *Launcher) awaitStarted(ctx context.Context, m *match, manifest *store.Manifest) error {
	timeout := l.opts.StartTimeout
	if hc := manifest.Healthcheck; hc != nil && hc.TimeoutSec > 0 {
		timeout = time.Duration(hc.TimeoutSec) * time.Second
	}
	select {
	case <-m.started:
		return nil
	case <-time.After(timeout):
		slog.Warn("game server start timed out", "room_id", m.roomID, "timeout", timeout)
		return ErrStartTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleReport authenticates and applies one report-channel frame.
func (l *Launcher) HandleReport(ctx context.Context, rpt Report) error {
	players, err := l.rooms.AuthorizeReport(rpt.RoomID, rpt.MatchID, rpt.ReportToken)
	if err != nil {
		slog.Warn("report rejected", "room_id", rpt.RoomID, "status", rpt.Status, "err", err)
		return err
	}

	l.mu.Lock()
	m, ok := l.matches[rpt.RoomID]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownMatch
	}

	switch rpt.Status {
	case ReportStarted:
		m.startOnce.Do(func() { close(m.started) })
		m.beat()
	case ReportHeartbeat:
		// Refreshes the liveness deadline only; heartbeats carry no state.
		m.beat()
	case ReportEnd:
		reason := rpt.Reason
		if reason == "" {
			reason = "finished"
		}
		l.finish(ctx, rpt.RoomID, reason, rpt.Results, players)
	case ReportError:
		reason := rpt.ErrMsg
		if reason == "" {
			reason = "error"
		}
		l.finish(ctx, rpt.RoomID, reason, rpt.Results, players)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, rpt.Status)
	}
	return nil
}

// finish tears a running match down: room TERMINATED, port released, child
// killed, play history recorded for every participant.
func (l *Launcher) finish(ctx context.Context, roomID int64, reason string, results []lobby.PlayerResult, players []string) {
	view, port, err := l.rooms.Terminate(roomID, reason, results)
	if err != nil {
		slog.Warn("terminate failed", "room_id", roomID, "err", err)
		return
	}
	l.ports.Release(port)

	l.mu.Lock()
	m, ok := l.matches[roomID]
	if ok {
		delete(l.matches, roomID)
	}
	l.mu.Unlock()
	if ok {
		l.killMatch(m)
	}

	if l.sink != nil {
		version := strconv.Itoa(view.Version)
		for _, p := range players {
			if err := l.sink.RecordPlay(ctx, p, view.GameName, version); err != nil {
				slog.Warn("recording play history failed", "player", p, "err", err)
			}
		}
	}
	slog.Info("match finished", "room_id", roomID, "reason", reason, "results", len(results))
}

// Abandon reaps the child and port of a room that was destroyed while a
// match was running (everyone left). The room is already gone from the
// registry at this point.
func (l *Launcher) Abandon(roomID int64, port int) {
	l.mu.Lock()
	m, ok := l.matches[roomID]
	if ok {
		delete(l.matches, roomID)
	}
	l.mu.Unlock()
	if ok {
		l.killMatch(m)
	}
	l.ports.Release(port)
	slog.Info("match abandoned", "room_id", roomID)
}

func (l *Launcher) killMatch(m *match) {
	if m.cmd != nil && m.cmd.Process != nil {
		// Negative pid signals the whole session group.
		syscall.Kill(-m.cmd.Process.Pid, syscall.SIGKILL)
	}
	os.RemoveAll(m.runDir)
}

// RunWatchdog terminates matches whose heartbeat deadline has lapsed. Blocks
// until ctx is cancelled, then reaps every remaining child.
func (l *Launcher) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Shutdown()
			return ctx.Err()
		case now := <-ticker.C:
			l.sweep(ctx, now)
		}
	}
}

func (l *Launcher) sweep(ctx context.Context, now time.Time) {
	l.mu.Lock()
	var expired []*match
	for _, m := range l.matches {
		last := m.lastBeat.Load()
		if last == 0 {
			continue // still waiting for STARTED
		}
		if now.Sub(time.Unix(0, last)) > l.opts.HeartbeatTimeout {
			expired = append(expired, m)
		}
	}
	l.mu.Unlock()

	for _, m := range expired {
		slog.Warn("heartbeat lost", "room_id", m.roomID, "match_id", m.matchID)
		var players []string
		if view, err := l.rooms.Get(m.roomID); err == nil {
			players = view.Players
		}
		l.finish(ctx, m.roomID, "heartbeat_lost", nil, players)
	}
}

// Shutdown kills every remaining child. Called once at process exit.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	matches := make([]*match, 0, len(l.matches))
	for _, m := range l.matches {
		matches = append(matches, m)
	}
	clear(l.matches)
	l.mu.Unlock()

	for _, m := range matches {
		slog.Info("reaping game server", "room_id", m.roomID)
		l.killMatch(m)
	}
}
