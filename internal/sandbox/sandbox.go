// sandbox.go — per-session directory of uploaded files and expanded
// archive entries. Maps a URL path within a session to a deterministic
// on-disk filename and tracks per-session MIME overrides.
package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// namespaceUUID is the fixed namespace for the name-based (v5) UUID that
// turns a URL into a deterministic on-disk filename (spec.md §4.4).
var namespaceUUID = uuid.MustParse("6f6a6e2a-6f69-4b4b-9d1f-0f7a6b0e1f01")

// Sandbox owns one session's uploaded-resource directory, rooted at
// <sessions_root>/<sid>. Resources live under uploads/{files,archives}
// (spec.md §6 "Persisted state"); Close removes the whole session
// directory, not just the uploads subtree, so callers must release any
// lock on it first.
type Sandbox struct {
	root     string // <sessions_root>/<sid>
	filesDir string
	archDir  string
	log      zerolog.Logger

	mu        sync.RWMutex
	overrides map[string]string // lower-cased ext -> mime, insertion order irrelevant
}

// New creates (or reuses) the sandbox directory tree for a session.
func New(root string, log zerolog.Logger) (*Sandbox, error) {
	s := &Sandbox{
		root:      root,
		filesDir:  filepath.Join(root, "uploads", "files"),
		archDir:   filepath.Join(root, "uploads", "archives"),
		log:       log,
		overrides: make(map[string]string),
	}
	if err := os.MkdirAll(s.filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create files dir: %w", err)
	}
	if err := os.MkdirAll(s.archDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create archives dir: %w", err)
	}
	return s, nil
}

// hashURL is the deterministic name-based UUID for a URL within a
// session's resource namespace. Two distinct URLs collide only if the
// v5 UUID function collides.
func hashURL(url string) string {
	return uuid.NewSHA1(namespaceUUID, []byte(url)).String()
}

// filePath returns the on-disk path a URL's file content lives at,
// regardless of whether it has been placed yet.
func (s *Sandbox) filePath(url string) string {
	return filepath.Join(s.filesDir, hashURL(url))
}

func (s *Sandbox) archivePath(url string) string {
	return filepath.Join(s.archDir, hashURL(url))
}

// PlaceFile writes r's content to the deterministic path for url,
// overwriting any existing content there.
func (s *Sandbox) PlaceFile(url string, r io.Reader) error {
	return writeFile(s.filePath(url), r)
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sandbox: create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("sandbox: write %s: %w", path, err)
	}
	return f.Close()
}

// PlaceStream writes a sequence of wire.ChunkHeaderSize-prefixed chunks,
// terminated by a zero-length chunk, to the deterministic path for url.
// PlaceStream calls next until it reports no more chunks; next yields each
// chunk's bytes in order. The caller (the broker) supplies next and owns
// reading the length prefixes off the control stream.
func (s *Sandbox) PlaceStream(url string, next func() ([]byte, bool, error)) error {
	path := s.filePath(url)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sandbox: create %s: %w", path, err)
	}
	for {
		chunk, more, err := next()
		if err != nil {
			_ = f.Close()
			return err
		}
		if len(chunk) > 0 {
			if _, err := f.Write(chunk); err != nil {
				_ = f.Close()
				return fmt.Errorf("sandbox: write chunk to %s: %w", path, err)
			}
		}
		if !more {
			break
		}
	}
	return f.Close()
}

// PlaceArchiveStream is PlaceStream followed by archive expansion: the
// streamed chunks are written to the archives directory instead of the
// files directory, then expanded and removed like PlaceArchive.
func (s *Sandbox) PlaceArchiveStream(url string, next func() ([]byte, bool, error)) error {
	archivePath := s.archivePath(url)
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("sandbox: create %s: %w", archivePath, err)
	}
	for {
		chunk, more, err := next()
		if err != nil {
			_ = f.Close()
			return err
		}
		if len(chunk) > 0 {
			if _, err := f.Write(chunk); err != nil {
				_ = f.Close()
				return fmt.Errorf("sandbox: write chunk to %s: %w", archivePath, err)
			}
		}
		if !more {
			break
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sandbox: close %s: %w", archivePath, err)
	}
	if err := s.expandArchive(url, archivePath); err != nil {
		return err
	}
	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("sandbox: remove expanded archive %s: %w", archivePath, err)
	}
	return nil
}

// PlaceArchive writes r to the archives directory, expands every regular
// file entry into the files directory under a child URL joined from url
// and the entry's path, then removes the archive file. Non-regular
// entries are skipped.
func (s *Sandbox) PlaceArchive(url string, r io.Reader) error {
	archivePath := s.archivePath(url)
	if err := writeFile(archivePath, r); err != nil {
		return err
	}
	if err := s.expandArchive(url, archivePath); err != nil {
		return err
	}
	if err := os.Remove(archivePath); err != nil {
		return fmt.Errorf("sandbox: remove expanded archive %s: %w", archivePath, err)
	}
	return nil
}

// Resource is the result of a successful Lookup.
type Resource struct {
	Path string
	Mime string
}

// Lookup resolves a URL to its on-disk path and effective MIME type. The
// override map is consulted first, then the built-in extension table.
// Never touches anything outside the session's own directories.
func (s *Sandbox) Lookup(url string) (Resource, bool) {
	path := s.filePath(url)
	if _, err := os.Stat(path); err != nil {
		return Resource{}, false
	}
	return Resource{Path: path, Mime: s.mimeFor(url)}, true
}

func (s *Sandbox) mimeFor(url string) string {
	ext := strings.ToLower(extOf(url))
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mime, ok := s.overrides[ext]; ok {
		return mime
	}
	return builtinMimeFor(url)
}

// SetMime inserts or replaces a MIME override for ext. A leading '.' is
// stripped, matching the wire schema's mime_map acceptance rule.
func (s *Sandbox) SetMime(ext, mime string) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[ext] = mime
}

// Close removes the sandbox's entire directory tree. Called on session
// teardown (spec.md §3: "removed at session end").
func (s *Sandbox) Close() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("sandbox: remove %s: %w", s.root, err)
	}
	return nil
}
