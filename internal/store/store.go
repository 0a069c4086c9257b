package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gamedock/gamedock/internal/auth"
)

// DefaultChunkSize is the transfer window when the client does not ask for a
// specific size. It is sized so a base64-encoded chunk plus its envelope
// still fits inside one 64 KiB wire frame.
const DefaultChunkSize = 45 * 1024

// Domain errors surfaced to the dispatch boundary.
var (
	ErrUnknownUpload   = errors.New("unknown upload_id")
	ErrUnknownDownload = errors.New("unknown download_id")
	ErrOutOfOrder      = errors.New("out-of-order chunk")
	ErrVersionExists   = errors.New("target version already exists")
	ErrPackageNotFound = errors.New("package not found")
	ErrInvalidPackage  = errors.New("invalid package")
)

// ExpectedMeta is what the developer declared at UPLOAD_BEGIN; the staged
// manifest is cross-checked against it. Version may be empty, in which case
// the manifest value wins.
type ExpectedMeta struct {
	GameName    string
	Type        string
	Version     string
	Description string
	MaxPlayers  int
}

type uploadSession struct {
	id       string
	tmpDir   string
	archive  string
	writer   *os.File
	expected ExpectedMeta
	received int64
	nextSeq  int
}

type downloadSession struct {
	id      string
	tmpDir  string
	archive string
	size    int64
	sent    int64
	nextSeq int
}

// PackageStore owns the published content tree under baseDir and the staging
// area for in-flight uploads and downloads under baseDir/tmp.
type PackageStore struct {
	baseDir string
	tmpDir  string

	mu        sync.Mutex
	uploads   map[string]*uploadSession
	downloads map[string]*downloadSession
}

// New creates the storage tree and returns a PackageStore.
func New(baseDir string) (*PackageStore, error) {
	tmpDir := filepath.Join(baseDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage tree %s: %w", baseDir, err)
	}
	return &PackageStore{
		baseDir:   baseDir,
		tmpDir:    tmpDir,
		uploads:   make(map[string]*uploadSession),
		downloads: make(map[string]*downloadSession),
	}, nil
}

// BaseDir returns the root of the published content tree.
func (s *PackageStore) BaseDir() string { return s.baseDir }

// PackageDir returns the published tree for (gameName, version).
func (s *PackageStore) PackageDir(gameName, version string) string {
	return filepath.Join(s.baseDir, gameName, version)
}

// LoadManifest reads the manifest of a published package.
func (s *PackageStore) LoadManifest(gameName, version string) (*Manifest, error) {
	if !safeRelPath(gameName) || !safeRelPath(version) {
		return nil, fmt.Errorf("%w: unsafe name", ErrPackageNotFound)
	}
	path := filepath.Join(s.PackageDir(gameName, version), "manifest.json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrPackageNotFound, gameName, version)
	}
	return ParseManifest(path)
}

// BeginUpload allocates an upload session: a staging directory with an open
// writer for the incoming archive.
func (s *PackageStore) BeginUpload(expected ExpectedMeta) (string, error) {
	if expected.GameName == "" {
		return "", errors.New("expected metadata missing game_name")
	}

	id, err := auth.NewToken()
	if err != nil {
		return "", err
	}
	tmpDir := filepath.Join(s.tmpDir, id)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	archive := filepath.Join(tmpDir, "upload.tar.gz")
	writer, err := os.Create(archive)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("creating staging archive: %w", err)
	}

	s.mu.Lock()
	s.uploads[id] = &uploadSession{
		id:       id,
		tmpDir:   tmpDir,
		archive:  archive,
		writer:   writer,
		expected: expected,
	}
	s.mu.Unlock()

	slog.Debug("upload session opened", "upload_id", id, "game", expected.GameName)
	return id, nil
}

// AppendChunk appends decoded chunk bytes to the staged archive. The chunk is
// rejected unless seq equals the session's next expected sequence number; the
// store never buffers out-of-order chunks.
func (s *PackageStore) AppendChunk(uploadID string, seq int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.uploads[uploadID]
	if !ok {
		return ErrUnknownUpload
	}
	if seq != sess.nextSeq {
		slog.Warn("out-of-order upload chunk", "upload_id", uploadID, "expected", sess.nextSeq, "got", seq)
		return ErrOutOfOrder
	}
	if _, err := sess.writer.Write(data); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	sess.received += int64(len(data))
	sess.nextSeq++
	return nil
}

// FinishUpload closes the staged archive, extracts and validates it, and
// atomically publishes the staged tree under base/<game_name>/<version>/.
// On any failure the staging tree is deleted and the session discarded.
func (s *PackageStore) FinishUpload(uploadID string) (manifest *Manifest, finalDir string, err error) {
	s.mu.Lock()
	sess, ok := s.uploads[uploadID]
	if ok {
		delete(s.uploads, uploadID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, "", ErrUnknownUpload
	}

	defer os.RemoveAll(sess.tmpDir)

	if err := sess.writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing staged archive: %w", err)
	}

	manifest, stageDir, err := s.verifyUpload(sess)
	if err != nil {
		slog.Info("upload failed validation", "upload_id", uploadID, "err", err)
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}

	finalDir = s.PackageDir(manifest.GameName, manifest.Version)
	if _, err := os.Stat(finalDir); err == nil {
		return nil, "", ErrVersionExists
	}
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return nil, "", fmt.Errorf("creating game dir: %w", err)
	}
	// Atomic same-filesystem rename; a half-published tree must never be
	// observable to the catalog.
	if err := os.Rename(stageDir, finalDir); err != nil {
		return nil, "", fmt.Errorf("publishing staged tree: %w", err)
	}

	slog.Info("package published", "game", manifest.GameName, "version", manifest.Version, "bytes", sess.received)
	return manifest, finalDir, nil
}

// verifyUpload extracts the archive into a staging subdir, locates the unique
// manifest, validates it, and cross-checks the expected metadata.
func (s *PackageStore) verifyUpload(sess *uploadSession) (*Manifest, string, error) {
	stageDir := filepath.Join(sess.tmpDir, "staged")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating stage dir: %w", err)
	}
	if err := extractArchive(sess.archive, stageDir); err != nil {
		return nil, "", err
	}

	manifestPath, err := findManifest(stageDir)
	if err != nil {
		return nil, "", err
	}
	manifest, err := ParseManifest(manifestPath)
	if err != nil {
		return nil, "", err
	}

	exp := sess.expected
	if manifest.GameName != exp.GameName {
		return nil, "", errors.New("game_name mismatch")
	}
	if exp.Type != "" && string(manifest.Type) != exp.Type {
		return nil, "", errors.New("type mismatch")
	}
	if exp.Version != "" && manifest.Version != exp.Version {
		return nil, "", errors.New("version mismatch")
	}

	return manifest, stageDir, nil
}

// findManifest locates the single manifest.json inside root. Missing or
// ambiguous manifests fail the upload.
func findManifest(root string) (string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "manifest.json" {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scanning staged tree: %w", err)
	}
	if len(found) != 1 {
		return "", errors.New("manifest.json not found or ambiguous")
	}
	return found[0], nil
}

// AbortUpload discards an in-flight upload session and its staging tree.
func (s *PackageStore) AbortUpload(uploadID string) {
	s.mu.Lock()
	sess, ok := s.uploads[uploadID]
	if ok {
		delete(s.uploads, uploadID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.writer.Close()
	os.RemoveAll(sess.tmpDir)
	slog.Debug("upload session aborted", "upload_id", uploadID)
}

// DownloadInfo describes the staged archive of a download session.
type DownloadInfo struct {
	DownloadID string `json:"download_id"`
	SizeBytes  int64  `json:"size_bytes"`
	Checksum   string `json:"checksum"`
}

// BeginDownload stages a fresh tarball of the published (gameName, version)
// tree and returns its id, size and sha256.
func (s *PackageStore) BeginDownload(gameName, version string) (*DownloadInfo, error) {
	if !safeRelPath(gameName) || !safeRelPath(version) {
		return nil, fmt.Errorf("%w: unsafe name", ErrPackageNotFound)
	}
	src := s.PackageDir(gameName, version)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s/%s", ErrPackageNotFound, gameName, version)
	}

	id, err := auth.NewToken()
	if err != nil {
		return nil, err
	}
	tmpDir := filepath.Join(s.tmpDir, id)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download staging dir: %w", err)
	}
	archive := filepath.Join(tmpDir, "download.tar.gz")
	if err := packArchive(src, archive); err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	fi, err := os.Stat(archive)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("stating staged archive: %w", err)
	}
	sum, err := sha256File(archive)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	s.mu.Lock()
	s.downloads[id] = &downloadSession{
		id:      id,
		tmpDir:  tmpDir,
		archive: archive,
		size:    fi.Size(),
	}
	s.mu.Unlock()

	slog.Debug("download session opened", "download_id", id, "game", gameName, "version", version, "bytes", fi.Size())
	return &DownloadInfo{DownloadID: id, SizeBytes: fi.Size(), Checksum: sum}, nil
}

// ReadChunk returns the next window of the staged archive. seq must equal the
// session's next expected sequence number. done is true once the cursor
// reaches EOF.
func (s *PackageStore) ReadChunk(downloadID string, seq, chunkSize int) ([]byte, bool, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.downloads[downloadID]
	if !ok {
		return nil, false, ErrUnknownDownload
	}
	if seq != sess.nextSeq {
		slog.Warn("out-of-order download chunk", "download_id", downloadID, "expected", sess.nextSeq, "got", seq)
		return nil, false, ErrOutOfOrder
	}

	f, err := os.Open(sess.archive)
	if err != nil {
		return nil, false, fmt.Errorf("opening staged archive: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, sess.sent)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("reading staged archive: %w", err)
	}

	sess.sent += int64(n)
	sess.nextSeq++
	return buf[:n], sess.sent >= sess.size, nil
}

// CompleteDownload discards the download session and its staging tree.
func (s *PackageStore) CompleteDownload(downloadID string) error {
	s.mu.Lock()
	sess, ok := s.downloads[downloadID]
	if ok {
		delete(s.downloads, downloadID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownDownload
	}
	os.RemoveAll(sess.tmpDir)
	return nil
}

// AbortDownload is CompleteDownload for teardown paths; unknown ids are
// ignored.
func (s *PackageStore) AbortDownload(downloadID string) {
	_ = s.CompleteDownload(downloadID)
}
