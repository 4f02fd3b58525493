package coordinator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/formbroker/internal/listener"
	"github.com/brennhill/formbroker/internal/sandbox"
	"github.com/brennhill/formbroker/internal/winevent"
	"github.com/brennhill/formbroker/internal/wire"
)

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	root := t.TempDir()
	lst := listener.New("127.0.0.1:0", nil, zerolog.Nop())
	sink := winevent.SinkFunc(func(winevent.Event) {})
	c, err := New(root, lst, sink, zerolog.Nop(), 0)
	require.NoError(t, err)
	return c, root
}

func TestAdmitCreatesSandboxAndRegistersSession(t *testing.T) {
	t.Parallel()
	c, root := newTestCoordinator(t)
	appSide, brokerSide := net.Pipe()
	defer appSide.Close()

	b, err := c.Admit("sess-a", brokerSide)
	require.NoError(t, err)
	require.NotNil(t, b)

	_, err = os.Stat(filepath.Join(root, "sess-a"))
	assert.NoError(t, err)

	body, _ := wire.Encode(wire.Close())
	require.NoError(t, wire.WriteFrame(appSide, body))
}

func TestAdmitDuplicateSessionIDFails(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	appSide1, brokerSide1 := net.Pipe()
	defer appSide1.Close()
	_, err := c.Admit("dup", brokerSide1)
	require.NoError(t, err)

	appSide2, brokerSide2 := net.Pipe()
	defer appSide2.Close()
	_, err = c.Admit("dup", brokerSide2)
	assert.Error(t, err)

	body, _ := wire.Encode(wire.Close())
	_ = wire.WriteFrame(appSide1, body)
}

func TestCleanStaleSessionsRemovesUnlockedDirs(t *testing.T) {
	t.Parallel()
	c, root := newTestCoordinator(t)

	stale := filepath.Join(root, "stale-session")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	live := filepath.Join(root, "live-session")
	require.NoError(t, os.MkdirAll(live, 0o755))
	liveLock := sandbox.NewLock(live)
	ok, err := liveLock.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer liveLock.Release()

	require.NoError(t, c.CleanStaleSessions())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(live)
	assert.NoError(t, err)
}

func TestRequestCloseRoutesToSession(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	appSide, brokerSide := net.Pipe()
	defer appSide.Close()

	_, err := c.Admit("sess-b", brokerSide)
	require.NoError(t, err)

	readDone := make(chan wire.Message, 1)
	go func() {
		body, err := wire.ReadFrame(appSide)
		if err != nil {
			return
		}
		m, _ := wire.Decode(body)
		readDone <- m
	}()

	require.NoError(t, c.RequestClose("sess-b"))
	select {
	case m := <-readDone:
		assert.Equal(t, wire.TypeCloseRequest, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close_request")
	}

	closeBody, _ := wire.Encode(wire.Close())
	_ = wire.WriteFrame(appSide, closeBody)
}

func TestRequestCloseUnknownSessionErrors(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	assert.Error(t, c.RequestClose("nope"))
}

func TestRunServesAndShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	_, err := c.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down after context cancellation")
	}
}
