package client

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gamedock/gamedock/internal/protocol"
	"github.com/gamedock/gamedock/internal/store"
)

// ErrChecksum reports a downloaded archive whose sha256 does not match the
// advertised one.
var ErrChecksum = errors.New("archive checksum mismatch")

// InstallDir returns the local tree for (game, version) under root:
// downloads/<user>/<game>/<version>/.
func (c *Client) InstallDir(root, gameName string, version int) string {
	return filepath.Join(root, c.username, gameName, strconv.Itoa(version))
}

// Download fetches (gameName, version) chunk by chunk, verifies size and
// checksum, and extracts the package into its install dir under root.
// Returns the install dir.
func (c *Client) Download(root, gameName string, version, chunkSize int) (string, error) {
	resp, err := c.Do(protocol.GameDownloadBegin, map[string]any{
		"game_name": gameName,
		"version":   version,
	})
	if err != nil {
		return "", err
	}
	var begin struct {
		DownloadID string `json:"download_id"`
		SizeBytes  int64  `json:"size_bytes"`
		Checksum   string `json:"checksum"`
	}
	if err := resp.DecodePayload(&begin); err != nil {
		return "", fmt.Errorf("decoding download info: %w", err)
	}

	tmp, err := os.CreateTemp("", "gamedock-download-")
	if err != nil {
		return "", fmt.Errorf("creating download temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hash := sha256.New()
	var received int64
	for seq := 0; ; seq++ {
		resp, err := c.Do(protocol.GameDownloadChunk, map[string]any{
			"download_id": begin.DownloadID,
			"seq":         seq,
			"chunk_size":  chunkSize,
		})
		if err != nil {
			return "", err
		}
		var chunk struct {
			Data string `json:"data"`
			Done bool   `json:"done"`
		}
		if err := resp.DecodePayload(&chunk); err != nil {
			return "", fmt.Errorf("decoding chunk: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			return "", fmt.Errorf("chunk %d is not base64: %w", seq, err)
		}
		if _, err := tmp.Write(raw); err != nil {
			return "", fmt.Errorf("writing chunk: %w", err)
		}
		hash.Write(raw)
		received += int64(len(raw))
		if chunk.Done {
			break
		}
	}

	if received != begin.SizeBytes {
		return "", fmt.Errorf("%w: got %d of %d bytes", ErrChecksum, received, begin.SizeBytes)
	}
	if sum := hex.EncodeToString(hash.Sum(nil)); sum != begin.Checksum {
		return "", ErrChecksum
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing download temp file: %w", err)
	}

	dir := c.InstallDir(root, gameName, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating install dir: %w", err)
	}
	if err := store.Extract(tmp.Name(), dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	// Completion also records the play history server-side.
	if _, err := c.Do(protocol.GameDownloadEnd, map[string]string{"download_id": begin.DownloadID}); err != nil {
		return "", err
	}
	return dir, nil
}

// Installed is one locally installed package version.
type Installed struct {
	GameName string
	Version  int
	Dir      string
}

// ListInstalled scans the user's download tree for installed versions: any
// <game>/<version> directory holding a manifest.json.
func (c *Client) ListInstalled(root string) ([]Installed, error) {
	userDir := filepath.Join(root, c.username)
	games, err := os.ReadDir(userDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", userDir, err)
	}

	var out []Installed
	for _, g := range games {
		if !g.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(userDir, g.Name()))
		if err != nil {
			continue
		}
		for _, v := range versions {
			version, err := strconv.Atoi(v.Name())
			if !v.IsDir() || err != nil {
				continue
			}
			dir := filepath.Join(userDir, g.Name(), v.Name())
			if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
				continue
			}
			out = append(out, Installed{GameName: g.Name(), Version: version, Dir: dir})
		}
	}
	return out, nil
}
