// listener.go — the HTTP/WebSocket listener: binds a loopback port,
// routes each request by leading path segment to the "html" static
// bucket or to a session, and dispatches GET/HEAD resource lookups,
// POST /submit form delegation, and /ws WebSocket upgrades (spec.md §4.5).
package listener

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brennhill/formbroker/internal/broker"
	"github.com/brennhill/formbroker/internal/urlpath"
	"github.com/brennhill/formbroker/internal/wire"
)

// readTimeout bounds HTTP inactivity per spec.md §5 "Cancellation and
// timeouts": on timeout, only the connection is dropped, the session
// survives.
const readTimeout = 30 * time.Second

// maxSessionIDLen mirrors urlpath.MaxSessionIDLen; kept local so this
// package's routing bound is explicit at the call site.
const maxSessionIDLen = urlpath.MaxSessionIDLen

// maxNormalizedPathLen is a generous ceiling on the served-resource path,
// independent of the control-protocol URL limit (wire.MaxURLLen), since a
// browser request path and an application-declared upload URL are
// different namespaces that merely share the sandbox.
const maxNormalizedPathLen = 1024

// maxFormBody is the upload ceiling for POST /submit (spec.md §4.5,
// wire.MaxFormLen — the same bound the application-side form{size}
// message enforces).
const maxFormBody = wire.MaxFormLen

// Session is the subset of *broker.Broker the listener dispatches to.
// Kept as an alias of the concrete type (rather than an interface): the
// listener and the broker are both internal packages of the same
// program, and an interface here would exist only to satisfy a layering
// preference, not to support more than one implementation.
type Session = *broker.Broker

// StaticAsset is one listener-served asset under the reserved "html"
// session ID (spec.md §4.5: "a small injected JavaScript helper and a
// loading placeholder page").
type StaticAsset struct {
	Mime string
	Body []byte
}

// Listener accepts connections on a loopback TCP port and routes them to
// sessions by leading path segment. Its session index holds only
// non-owning references — the map entry is written at admission and
// removed at teardown, entirely decoupled from whether anyone still
// reads it (spec.md §9 "Shared state in the listener").
type Listener struct {
	log    zerolog.Logger
	static map[string]StaticAsset

	mu       sync.RWMutex
	sessions map[string]Session

	upgrader websocket.Upgrader

	srv *http.Server
	ln  net.Listener
}

// New constructs a Listener bound to addr (e.g. "127.0.0.1:8080"); it
// does not start accepting connections until Serve is called.
func New(addr string, static map[string]StaticAsset, log zerolog.Logger) *Listener {
	l := &Listener{
		log:      log,
		static:   static,
		sessions: make(map[string]Session),
		upgrader: websocket.Upgrader{
			// Loopback-only per spec.md §1 Non-goals ("remote access");
			// the browser page is always same-origin with the listener.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	l.srv = &http.Server{
		Addr:        addr,
		Handler:     l,
		ReadTimeout: readTimeout,
	}
	return l
}

// Listen binds the configured loopback address and returns the resolved
// TCP port. Separated from Serve so the coordinator can learn the actual
// port (relevant when the configured address uses ":0") before starting
// any session whose navigate URLs embed it.
func (l *Listener) Listen() (int, error) {
	ln, err := net.Listen("tcp", l.srv.Addr)
	if err != nil {
		return 0, err
	}
	l.ln = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve blocks accepting connections on the listener bound by Listen,
// until the server is shut down via Shutdown or Close. It returns
// http.ErrServerClosed on a clean stop.
func (l *Listener) Serve() error {
	return l.srv.Serve(l.ln)
}

// Shutdown gracefully stops accepting new connections and waits for
// in-flight requests, bounded by ctx.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}

// RegisterSession binds sessionID to sess in the listener's index. Called
// by the coordinator at session admission.
func (l *Listener) RegisterSession(sessionID string, sess Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sessionID] = sess
}

// UnregisterSession removes sessionID from the index. Called by the
// coordinator when a session's broker tears down; safe to call even if
// the session was never registered.
func (l *Listener) UnregisterSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

func (l *Listener) lookupSession(sessionID string) (Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sess, ok := l.sessions[sessionID]
	return sess, ok
}

// ServeHTTP implements http.Handler, routing every request per spec.md
// §4.5 / §7.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, normalizedPath, err := urlpath.Parse(r.URL.Path, maxSessionIDLen, maxNormalizedPathLen)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if sessionID == "html" {
		l.serveStatic(w, r, normalizedPath)
		return
	}

	sess, ok := l.lookupSession(sessionID)
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		l.serveWS(w, r, sess, normalizedPath)
		return
	}

	if r.Method == http.MethodPost && normalizedPath == "/submit" {
		l.serveSubmit(w, r, sess)
		return
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		l.serveResource(w, r, sess, normalizedPath)
		return
	}

	http.Error(w, "bad request", http.StatusBadRequest)
}

func (l *Listener) serveStatic(w http.ResponseWriter, r *http.Request, path string) {
	asset, ok := l.static[path]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", asset.Mime)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(asset.Body)
	}
}

func (l *Listener) serveResource(w http.ResponseWriter, r *http.Request, sess Session, path string) {
	res, ok := sess.Lookup(path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", res.Mime)
	http.ServeFile(w, r, res.Path)
}

func (l *Listener) serveSubmit(w http.ResponseWriter, r *http.Request, sess Session) {
	if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBody+1))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxFormBody {
		http.Error(w, "form body too large", http.StatusBadRequest)
		return
	}

	if err := sess.SubmitForm(body, "application/x-www-form-urlencoded"); err != nil {
		l.log.Warn().Err(err).Msg("failed to deliver form submission to session")
		http.Error(w, "session unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Location", "/html/loading.html")
	w.WriteHeader(http.StatusSeeOther)
}

func (l *Listener) serveWS(w http.ResponseWriter, r *http.Request, sess Session, path string) {
	if path != "/ws" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	if err := sess.AttachWS(conn); err != nil {
		l.log.Warn().Err(err).Msg("websocket attach refused")
		_ = conn.Close()
	}
}
