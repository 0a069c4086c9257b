package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"
)

func archiveManifest(game, version string) map[string]any {
	return map[string]any{
		"game_name":   game,
		"version":     version,
		"type":        "2P",
		"max_players": 2,
		"description": "test package",
		"server": map[string]any{
			"command": "./srv --port {port}",
		},
		"client": map[string]any{
			"command": "./cli --host {host} --port {port}",
		},
	}
}

// buildArchive produces a tar.gz holding a manifest.json and one payload file.
func buildArchive(t *testing.T, manifest map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := []struct {
		name string
		data []byte
	}{
		{"manifest.json", raw},
		{"srv", []byte("#!/bin/sh\nsleep 30\n")},
	}
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o755, Size: int64(len(f.data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}
