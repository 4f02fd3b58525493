package sandbox

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestPlaceAndLookupFile(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	require.NoError(t, s.PlaceFile("/hello.html", strings.NewReader("hello")))

	r, ok := s.Lookup("/hello.html")
	require.True(t, ok)
	assert.Equal(t, "text/html", r.Mime)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPlaceFileOverwritesSameURL(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	require.NoError(t, s.PlaceFile("/a.txt", strings.NewReader("first")))
	require.NoError(t, s.PlaceFile("/a.txt", strings.NewReader("second")))

	r, ok := s.Lookup("/a.txt")
	require.True(t, ok)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	_, ok := s.Lookup("/nope.txt")
	assert.False(t, ok)
}

func TestDistinctSessionsNeverShareFiles(t *testing.T) {
	t.Parallel()
	s1 := newTestSandbox(t)
	s2 := newTestSandbox(t)
	require.NoError(t, s1.PlaceFile("/a.txt", strings.NewReader("s1")))
	require.NoError(t, s2.PlaceFile("/a.txt", strings.NewReader("s2")))

	r1, ok := s1.Lookup("/a.txt")
	require.True(t, ok)
	r2, ok := s2.Lookup("/a.txt")
	require.True(t, ok)
	assert.NotEqual(t, r1.Path, r2.Path)
}

func TestMimeOverrideTakesPriority(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	s.SetMime("css", "text/html")
	require.NoError(t, s.PlaceFile("/markup.css", strings.NewReader("p{}")))

	r, ok := s.Lookup("/markup.css")
	require.True(t, ok)
	assert.Equal(t, "text/html", r.Mime)
}

func TestMimeOverrideStripsLeadingDot(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	s.SetMime(".css", "text/html")
	require.NoError(t, s.PlaceFile("/a.css", strings.NewReader("x")))
	r, ok := s.Lookup("/a.css")
	require.True(t, ok)
	assert.Equal(t, "text/html", r.Mime)
}

func TestPlaceStreamSingleZeroChunkIsEmptyFile(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	first := true
	require.NoError(t, s.PlaceStream("/streamed.txt", func() ([]byte, bool, error) {
		if first {
			first = false
			return nil, false, nil
		}
		return nil, false, nil
	}))

	r, ok := s.Lookup("/streamed.txt")
	require.True(t, ok)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestPlaceStreamMultipleChunks(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)
	chunks := [][]byte{[]byte("ab"), []byte("cd"), nil}
	i := 0
	require.NoError(t, s.PlaceStream("/streamed.txt", func() ([]byte, bool, error) {
		c := chunks[i]
		i++
		return c, i < len(chunks), nil
	}))

	r, ok := s.Lookup("/streamed.txt")
	require.True(t, ok)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
}

func TestPlaceArchiveZipExpandsAndRemovesArchive(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mustWriteZipEntry(t, zw, "index.html", "<html>root</html>")
	mustWriteZipEntry(t, zw, "sub/a.txt", "A")
	require.NoError(t, zw.Close())

	require.NoError(t, s.PlaceArchive("/", bytes.NewReader(buf.Bytes())))

	r, ok := s.Lookup("/index.html")
	require.True(t, ok)
	assert.Equal(t, "text/html", r.Mime)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "<html>root</html>", string(data))

	r, ok = s.Lookup("/sub/a.txt")
	require.True(t, ok)
	assert.Equal(t, "text/plain", r.Mime)
	data, err = os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))

	entries, err := os.ReadDir(s.archDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlaceArchiveTarGzExpands(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)

	var gzbuf bytes.Buffer
	gw := gzip.NewWriter(&gzbuf)
	tw := tar.NewWriter(gw)
	mustWriteTarEntry(t, tw, "a.txt", "A")
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	require.NoError(t, s.PlaceArchive("/up", bytes.NewReader(gzbuf.Bytes())))

	r, ok := s.Lookup("/up/a.txt")
	require.True(t, ok)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
}

func TestPlaceArchiveStreamExpandsChunkedZip(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mustWriteZipEntry(t, zw, "index.html", "<html>streamed</html>")
	require.NoError(t, zw.Close())

	raw := buf.Bytes()
	chunkSize := 16
	pos := 0
	require.NoError(t, s.PlaceArchiveStream("/", func() ([]byte, bool, error) {
		if pos >= len(raw) {
			return nil, false, nil
		}
		end := pos + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[pos:end]
		pos = end
		return chunk, pos < len(raw), nil
	}))

	r, ok := s.Lookup("/index.html")
	require.True(t, ok)
	data, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "<html>streamed</html>", string(data))

	entries, err := os.ReadDir(s.archDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJoinResourceURLRejectsTraversalAndAbsolutePaths(t *testing.T) {
	t.Parallel()
	_, ok := joinResourceURL("/up", "../../etc/passwd")
	assert.False(t, ok)
	_, ok = joinResourceURL("/up", "/etc/passwd")
	assert.False(t, ok)
	_, ok = joinResourceURL("/up", "a/../../etc/passwd")
	assert.False(t, ok)
}

func TestJoinResourceURLAcceptsOrdinaryRelativePaths(t *testing.T) {
	t.Parallel()
	joined, ok := joinResourceURL("/", "a.txt")
	require.True(t, ok)
	assert.Equal(t, "/a.txt", joined)

	joined, ok = joinResourceURL("/up", "nested/file.txt")
	require.True(t, ok)
	assert.Equal(t, "/up/nested/file.txt", joined)
}

func TestExpandZipSkipsUnsafeEntries(t *testing.T) {
	t.Parallel()
	s := newTestSandbox(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../../etc/passwd")
	require.NoError(t, err)
	_, err = w.Write([]byte("root:x:0:0"))
	require.NoError(t, err)
	w, err = zw.Create("safe.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("fine"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, s.PlaceArchive("/up", bytes.NewReader(buf.Bytes())))

	_, ok := s.Lookup("/up/safe.txt")
	assert.True(t, ok)

	_, ok = s.Lookup("/etc/passwd")
	assert.False(t, ok)
	_, ok = s.Lookup("/up/etc/passwd")
	assert.False(t, ok)
}

func TestCloseRemovesSessionDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "sess1")
	s, err := New(sessionDir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.PlaceFile("/a.txt", strings.NewReader("x")))

	require.NoError(t, s.Close())
	_, err = os.Stat(sessionDir)
	assert.True(t, os.IsNotExist(err))
}

func mustWriteZipEntry(t *testing.T, zw *zip.Writer, name, content string) {
	t.Helper()
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
}

func mustWriteTarEntry(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Size: int64(len(content)),
		Mode: 0o644,
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
}
