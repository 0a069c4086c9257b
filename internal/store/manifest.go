package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gamedock/gamedock/internal/model"
)

// Manifest is the package metadata file at the root of a published game tree.
type Manifest struct {
	GameName    string            `json:"game_name"`
	Version     string            `json:"version"`
	Type        model.GameType    `json:"type"`
	MaxPlayers  int               `json:"max_players"`
	Description string            `json:"description"`
	Server      LaunchSpec        `json:"server"`
	Client      LaunchSpec        `json:"client"`
	Assets      []string          `json:"assets,omitempty"`
	Healthcheck *HealthcheckSpec  `json:"healthcheck,omitempty"`
}

// LaunchSpec describes how to start one side of a game.
type LaunchSpec struct {
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
}

// HealthcheckSpec bounds the wait for the child's STARTED report.
type HealthcheckSpec struct {
	TCPPort    any `json:"tcp_port,omitempty"`
	TimeoutSec int `json:"timeout_sec"`
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// allowedPlaceholders is the closed template placeholder set. pN slots are
// matched separately.
var allowedPlaceholders = map[string]bool{
	"host":                      true,
	"port":                      true,
	"room_id":                   true,
	"match_id":                  true,
	"client_token":              true,
	"report_token":              true,
	"client_token_path":         true,
	"report_token_path":         true,
	"player_name":               true,
	"player_count":              true,
	"players_json":              true,
	"players_csv":               true,
	"players_json_path":         true,
	"bind_host":                 true,
	"report_host":               true,
	"report_port":               true,
	"platform_protocol_version": true,
}

var playerSlotRe = regexp.MustCompile(`^p[1-9][0-9]*$`)

// secretPlaceholders may never appear in a command argument vector; they are
// delivered via environment or token files only.
var secretPlaceholders = map[string]bool{
	"client_token": true,
	"report_token": true,
}

// Placeholders extracts the placeholder names referenced by a template.
func Placeholders(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// checkTemplate validates placeholder usage. When argv is true the secret
// placeholders are rejected.
func checkTemplate(template, field string, argv bool) error {
	for _, name := range Placeholders(template) {
		if !allowedPlaceholders[name] && !playerSlotRe.MatchString(name) {
			return fmt.Errorf("%s: unknown placeholder {%s}", field, name)
		}
		if argv && secretPlaceholders[name] {
			return fmt.Errorf("%s: placeholder {%s} is not allowed in a command", field, name)
		}
	}
	return nil
}

// RenderTemplate substitutes placeholders from ctx into template. Every
// placeholder must be present in ctx.
func RenderTemplate(template string, ctx map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := ctx[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("template references unbound placeholder {%s}", missing)
	}
	return out, nil
}

// safeRelPath reports whether p is usable as a path inside a package tree:
// relative, local, no ".." segment.
func safeRelPath(p string) bool {
	if p == "" {
		return true
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// Validate checks the manifest against the schema: required keys, closed type
// set, positive max_players, safe paths, and legal template placeholders.
func (m *Manifest) Validate() error {
	if m.GameName == "" {
		return errors.New("manifest missing game_name")
	}
	if m.Version == "" {
		return errors.New("manifest missing version")
	}
	if !safeRelPath(m.GameName) || !safeRelPath(m.Version) {
		return errors.New("game_name or version unsafe")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("type invalid: %q", m.Type)
	}
	if m.MaxPlayers <= 0 {
		return errors.New("max_players invalid")
	}

	for _, side := range []struct {
		name string
		spec LaunchSpec
	}{
		{"server", m.Server},
		{"client", m.Client},
	} {
		if side.spec.Command == "" {
			return fmt.Errorf("%s.command invalid", side.name)
		}
		if err := checkTemplate(side.spec.Command, side.name+".command", true); err != nil {
			return err
		}
		if !safeRelPath(side.spec.WorkingDir) {
			return fmt.Errorf("%s.working_dir unsafe", side.name)
		}
		for key, val := range side.spec.Env {
			if err := checkTemplate(val, fmt.Sprintf("%s.env[%s]", side.name, key), false); err != nil {
				return err
			}
		}
	}

	for _, asset := range m.Assets {
		if !safeRelPath(asset) {
			return fmt.Errorf("asset path unsafe: %q", asset)
		}
	}

	if hc := m.Healthcheck; hc != nil {
		if hc.TimeoutSec <= 0 {
			return errors.New("healthcheck.timeout_sec invalid")
		}
		if port, ok := hc.TCPPort.(string); ok {
			if err := checkTemplate(port, "healthcheck.tcp_port", true); err != nil {
				return err
			}
		}
	}

	return nil
}

// ParseManifest reads and validates a manifest.json file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
