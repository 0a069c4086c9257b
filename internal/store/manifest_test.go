package store

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"testing"
)

// writeEvilArchive builds a tar.gz with a single member under the given name.
func writeEvilArchive(t *testing.T, path, member string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: member, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
}

func validManifest() Manifest {
	return Manifest{
		GameName:    "snake",
		Version:     "1",
		Type:        "CLI",
		MaxPlayers:  2,
		Description: "d",
		Server:      LaunchSpec{Command: "./srv --port {port} --room {room_id}"},
		Client:      LaunchSpec{Command: "./cli --host {host} --port {port}"},
	}
}

func TestManifestValidate(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"missing game_name", func(m *Manifest) { m.GameName = "" }},
		{"missing version", func(m *Manifest) { m.Version = "" }},
		{"bad type", func(m *Manifest) { m.Type = "ARCADE" }},
		{"zero max_players", func(m *Manifest) { m.MaxPlayers = 0 }},
		{"empty server command", func(m *Manifest) { m.Server.Command = "" }},
		{"unknown placeholder", func(m *Manifest) { m.Server.Command = "./srv {mystery}" }},
		{"secret in command", func(m *Manifest) { m.Client.Command = "./cli {client_token}" }},
		{"absolute working_dir", func(m *Manifest) { m.Server.WorkingDir = "/etc" }},
		{"traversal working_dir", func(m *Manifest) { m.Server.WorkingDir = "../out" }},
		{"traversal asset", func(m *Manifest) { m.Assets = []string{"../secret"} }},
		{"traversal game_name", func(m *Manifest) { m.GameName = "../snake" }},
		{"bad healthcheck timeout", func(m *Manifest) { m.Healthcheck = &HealthcheckSpec{TimeoutSec: 0} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestManifestValidate_PlayerSlots(t *testing.T) {
	m := validManifest()
	m.Server.Command = "./srv {p1} {p2} {players_csv}"
	if err := m.Validate(); err != nil {
		t.Errorf("player slot placeholders must be legal: %v", err)
	}
	m.Server.Command = "./srv {p0}"
	if err := m.Validate(); err == nil {
		t.Error("{p0} is not a valid player slot")
	}
}

func TestManifestValidate_SecretsInEnv(t *testing.T) {
	m := validManifest()
	m.Server.Env = map[string]string{"REPORT_TOKEN": "{report_token}"}
	if err := m.Validate(); err != nil {
		t.Errorf("secret placeholders must be legal in env: %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	ctx := map[string]string{"host": "1.2.3.4", "port": "9000", "p1": "alice"}
	out, err := RenderTemplate("./cli --host {host} --port {port} --name {p1}", ctx)
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if out != "./cli --host 1.2.3.4 --port 9000 --name alice" {
		t.Errorf("unexpected render: %q", out)
	}

	if _, err := RenderTemplate("./cli {missing}", ctx); err == nil {
		t.Error("unbound placeholder must fail")
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("./x {host} literal {p3} {host}")
	want := []string{"host", "p3", "host"}
	if len(got) != len(want) {
		t.Fatalf("Placeholders: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Placeholders[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
