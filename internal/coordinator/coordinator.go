// coordinator.go — the server coordinator: owns the listener, the
// sandbox-root directory, and the map from session ID to session broker
// (spec.md §4.7). Admits new application streams, routes browser-close
// requests to the right session, and prunes stale session directories
// left behind by a prior, now-dead broker process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brennhill/formbroker/internal/broker"
	"github.com/brennhill/formbroker/internal/listener"
	"github.com/brennhill/formbroker/internal/sandbox"
	"github.com/brennhill/formbroker/internal/winevent"
)

// Coordinator wires the listener and the sandbox root together and owns
// the set of live sessions. One Coordinator exists per broker process.
type Coordinator struct {
	sandboxRoot   string
	lst           *listener.Listener
	sink          winevent.Sink
	log           zerolog.Logger
	appMsgBacklog int

	mu       sync.Mutex
	sessions map[string]*broker.Broker

	port int
}

// New constructs a Coordinator. sandboxRoot is created if it does not
// already exist. appMsgBacklog sets the capacity of each session's
// buffered-app_msg ring (spec.md §9's open question, "default 32,
// configurable" per SPEC_FULL.md §5.2); callers pass
// config.AppMsgBacklog through from cmd/formbrokerd's config.
func New(sandboxRoot string, lst *listener.Listener, sink winevent.Sink, log zerolog.Logger, appMsgBacklog int) (*Coordinator, error) {
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create sandbox root: %w", err)
	}
	return &Coordinator{
		sandboxRoot:   sandboxRoot,
		lst:           lst,
		sink:          sink,
		log:           log,
		appMsgBacklog: appMsgBacklog,
		sessions:      make(map[string]*broker.Broker),
	}, nil
}

// CleanStaleSessions walks the sandbox root at startup and deletes every
// subdirectory whose per-session lock can be acquired: an acquirable lock
// means no live broker (from this process or a prior, now-dead one) still
// owns it (spec.md §4.7).
func (c *Coordinator) CleanStaleSessions() error {
	entries, err := os.ReadDir(c.sandboxRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("coordinator: scan sandbox root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(c.sandboxRoot, entry.Name())
		lock := sandbox.NewLock(dir)
		ok, err := lock.TryAcquire()
		if err != nil {
			c.log.Warn().Err(err).Str("dir", dir).Msg("failed to probe session lock during startup scan")
			continue
		}
		if !ok {
			// Another process still holds it: a live session. Leave it.
			continue
		}
		if err := lock.Release(); err != nil {
			c.log.Warn().Err(err).Str("dir", dir).Msg("failed to release probe lock")
		}
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove stale session directory")
			continue
		}
		c.log.Info().Str("session", entry.Name()).Msg("removed stale session directory")
	}
	return nil
}

// Listen binds the listener's loopback port and records it for
// composing navigate URLs (spec.md §4.6 "navigate"). Must be called
// before Admit.
func (c *Coordinator) Listen() (int, error) {
	port, err := c.lst.Listen()
	if err != nil {
		return 0, err
	}
	c.port = port
	return port, nil
}

// Admit binds sessionID to conn (the application's control stream),
// creating its sandbox directory and acquiring its lock. A lock that is
// already held — including a duplicate sessionID admitted twice in this
// process — fails admission outright (spec.md §9's decided resolution to
// the duplicate-session-ID open question).
func (c *Coordinator) Admit(sessionID string, conn io.ReadWriteCloser) (*broker.Broker, error) {
	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: session %s already admitted", sessionID)
	}
	c.mu.Unlock()

	sessionDir := filepath.Join(c.sandboxRoot, sessionID)
	sbox, err := sandbox.New(sessionDir, c.log)
	if err != nil {
		return nil, err
	}
	lock := sandbox.NewLock(sessionDir)
	ok, err := lock.TryAcquire()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("coordinator: session %s: %w", sessionID, errDuplicateSession)
	}

	b := broker.New(sessionID, c.port, conn, sbox, lock, c.sink, c.log, c.appMsgBacklog)
	b.OnTeardown = func() {
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
		c.lst.UnregisterSession(sessionID)
	}

	c.mu.Lock()
	c.sessions[sessionID] = b
	c.mu.Unlock()
	c.lst.RegisterSession(sessionID, b)

	go b.Run()
	return b, nil
}

var errDuplicateSession = fmt.Errorf("duplicate session id")

// RequestClose routes a "window close requested" signal from the
// windowing layer to the named session's broker (spec.md §4.7).
func (c *Coordinator) RequestClose(sessionID string) error {
	c.mu.Lock()
	b, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: no such session %s", sessionID)
	}
	return b.RequestClose()
}

// Run starts the listener and blocks until ctx is cancelled, then shuts
// the listener down gracefully. The two concerns run on an errgroup so
// either a listener failure or context cancellation unwinds the other
// (spec.md §5 "single executor dispatches all I/O completions" — here,
// one goroutine per concern, coordinated rather than literally shared).
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := c.lst.Serve()
		if err != nil && !isServerClosed(err) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return c.lst.Shutdown(context.Background())
	})

	return g.Wait()
}

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
