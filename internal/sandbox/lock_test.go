package sandbox

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireAndRelease(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	l := NewLock(dir)
	ok, err := l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release())
}

func TestLockSecondAcquireFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first := NewLock(dir)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Release()

	second := NewLock(dir)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "duplicate session id must not acquire the same lock")
}

func TestLockAcquirableAfterRelease(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first := NewLock(dir)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Release())

	second := NewLock(dir)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	second.Release()
}
