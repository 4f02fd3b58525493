// broker.go — the session broker: the state machine that owns one
// application's control stream, its sandbox directory, and at most one
// attached WebSocket (spec.md §4.6). One Broker exists per session for
// the session's lifetime; internal/coordinator owns the map of them.
package broker

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brennhill/formbroker/internal/buffers"
	"github.com/brennhill/formbroker/internal/sandbox"
	"github.com/brennhill/formbroker/internal/util"
	"github.com/brennhill/formbroker/internal/wire"
	"github.com/brennhill/formbroker/internal/winevent"
)

// defaultPendingAppMsgCapacity bounds the backlog of app_msg payloads
// held while no WebSocket is attached (spec.md §9's open question,
// decided in favor of buffering over dropping) when New is given a
// non-positive capacity.
const defaultPendingAppMsgCapacity = 32

// eventChanCapacity bounds the windowing-event queue a Broker drains in
// its own goroutine, so a slow Sink cannot stall the receive loop
// (spec.md §5 "the emitter does not block on the consumer's processing").
const eventChanCapacity = 256

// Broker is the session state machine described in spec.md §4.6. Its
// exported surface is the receive loop (Run), the two browser-initiated
// entry points (SubmitForm, RequestClose), the WebSocket attach point
// (AttachWS), the listener's resource lookup (Lookup) and the
// GracefullyClosed accessor; everything else is internal bookkeeping.
type Broker struct {
	SessionID    string
	ListenerPort int

	conn    io.ReadWriteCloser
	sandbox *sandbox.Sandbox
	lock    *sandbox.Lock
	sink    winevent.Sink
	log     zerolog.Logger

	// OnTeardown, if set, is invoked exactly once as the final step of
	// Run, after the sandbox directory has been removed. The coordinator
	// uses it to drop the session from its map.
	OnTeardown func()

	writeMu sync.Mutex // serializes all writes to conn (control frames, forwarded ws traffic)

	wsMu sync.Mutex
	ws   *websocket.Conn

	pending *buffers.RingBuffer[[]byte]

	events chan winevent.Event
	done   chan struct{}

	gracefullyClosed bool
}

// New constructs a Broker for sessionID, bound to conn (the application's
// control stream) and sbox (its already-created sandbox directory). lock
// must already be held by the caller; Run releases it on teardown.
// appMsgBacklog sets the pending-app_msg ring's capacity; a non-positive
// value falls back to defaultPendingAppMsgCapacity.
func New(sessionID string, listenerPort int, conn io.ReadWriteCloser, sbox *sandbox.Sandbox, lock *sandbox.Lock, sink winevent.Sink, log zerolog.Logger, appMsgBacklog int) *Broker {
	if appMsgBacklog <= 0 {
		appMsgBacklog = defaultPendingAppMsgCapacity
	}
	return &Broker{
		SessionID:    sessionID,
		ListenerPort: listenerPort,
		conn:         conn,
		sandbox:      sbox,
		lock:         lock,
		sink:         sink,
		log:          log.With().Str("session", sessionID).Logger(),
		pending:      buffers.NewRingBuffer[[]byte](appMsgBacklog),
		events:       make(chan winevent.Event, eventChanCapacity),
		done:         make(chan struct{}),
	}
}

// Run drives the receive loop until the application stream closes or an
// unrecoverable protocol error occurs, then tears the session down.
// Callers run it on its own goroutine; Run blocks until teardown
// completes.
func (b *Broker) Run() {
	util.SafeGo(b.log, b.drainEvents)

	r := bufio.NewReader(b.conn)
	err := b.receiveLoop(r)
	if err != nil && err != io.EOF {
		b.log.Warn().Err(err).Msg("session stream closed with error")
	}
	b.teardown()
}

// receiveLoop implements AwaitingControl and its sub-states. Each
// iteration reads one framed control message and, where the schema
// requires a body, the body that follows it, all on the same goroutine —
// the goroutine's own program counter is the explicit state the source's
// callback-pyramid design hides.
func (b *Broker) receiveLoop(r *bufio.Reader) error {
	for {
		body, err := wire.ReadFrame(r)
		if err != nil {
			return err
		}
		msg, err := wire.Decode(body)
		if err != nil {
			b.sendError(err.Error())
			continue
		}

		switch msg.Type {
		case wire.TypeUpload:
			if err := b.handleUpload(r, msg); err != nil {
				return fmt.Errorf("broker: upload %s: %w", msg.URL, err)
			}

		case wire.TypeNavigate:
			b.emit(winevent.Event{
				Kind:      winevent.OpenURL,
				SessionID: b.SessionID,
				URL:       fmt.Sprintf("http://localhost:%d/%s%s", b.ListenerPort, b.SessionID, msg.URL),
			})

		case wire.TypeAppMsgOut:
			if err := b.handleAppMsgOut(r, msg.Size); err != nil {
				return fmt.Errorf("broker: app_msg: %w", err)
			}

		case wire.TypeMimeMap:
			for _, p := range msg.Map {
				b.sandbox.SetMime(p.Ext, p.Mime)
			}

		case wire.TypeClose:
			b.gracefullyClosed = true
			b.emit(winevent.Event{Kind: winevent.CloseWindow, SessionID: b.SessionID})
			return nil

		case wire.TypeAcceptIOTransfer:
			b.emit(winevent.Event{Kind: winevent.AcceptIOTransfer, SessionID: b.SessionID, Token: msg.Token})

		default:
			b.sendError(fmt.Sprintf("unexpected message type %d", msg.Type))
		}
	}
}

// handleUpload implements ReadingUploadChunk/ReadingUploadStreamSize. A
// declared size > 0 reads exactly that many bytes; size == 0 reads a
// sequence of wire.ChunkHeaderSize-prefixed chunks terminated by a
// zero-length chunk.
func (b *Broker) handleUpload(r *bufio.Reader, msg wire.Message) error {
	place := b.sandbox.PlaceFile
	if msg.RType == wire.ResourceArchive {
		place = b.sandbox.PlaceArchive
	}

	if msg.Size > 0 {
		return place(msg.URL, io.LimitReader(r, int64(msg.Size)))
	}

	next := func() ([]byte, bool, error) {
		n, err := wire.DecodeChunkSize(r)
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			return nil, false, nil
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, false, err
		}
		return chunk, true, nil
	}
	if msg.RType == wire.ResourceArchive {
		return b.sandbox.PlaceArchiveStream(msg.URL, next)
	}
	return b.sandbox.PlaceStream(msg.URL, next)
}

// handleAppMsgOut implements ReadingAppMsgBody: read exactly size bytes
// and forward them as a single binary WebSocket message if one is
// attached, otherwise buffer them (spec.md §9's documented deviation from
// "log and drop").
func (b *Broker) handleAppMsgOut(r *bufio.Reader, size int) error {
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	b.wsMu.Lock()
	ws := b.ws
	if ws == nil {
		evicted := b.pending.WriteOne(body)
		b.wsMu.Unlock()
		if evicted {
			b.log.Warn().Int64("dropped_total", b.pending.DroppedCount()).Msg("app_msg backlog overflow, oldest message dropped")
		}
		return nil
	}
	b.wsMu.Unlock()
	return b.writeWS(ws, body)
}

func (b *Broker) writeWS(ws *websocket.Conn, body []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return ws.WriteMessage(websocket.BinaryMessage, body)
}

// AttachWS binds ws as the session's single active WebSocket and starts
// its read loop. A second concurrent attach is refused; the caller
// should close the new socket.
func (b *Broker) AttachWS(ws *websocket.Conn) error {
	b.wsMu.Lock()
	if b.ws != nil {
		b.wsMu.Unlock()
		return fmt.Errorf("broker: session %s already has an active websocket", b.SessionID)
	}
	b.ws = ws
	// Flushing under wsMu keeps handleAppMsgOut from buffering or sending
	// a new app_msg until the backlog has been written.
	b.flushPending(ws)
	b.wsMu.Unlock()

	util.SafeGo(b.log, func() { b.wsReadLoop(ws) })
	return nil
}

// flushPending forwards any app_msg payloads buffered while no WebSocket
// was attached, oldest first, before the newly attached socket sees any
// live traffic.
func (b *Broker) flushPending(ws *websocket.Conn) {
	for _, body := range b.pending.DrainAll() {
		if err := b.writeWS(ws, body); err != nil {
			b.log.Warn().Err(err).Msg("failed to flush buffered app_msg to newly attached websocket")
			return
		}
	}
}

// wsReadLoop forwards inbound WebSocket messages to the application as
// framed app_msg{size} control messages followed by their raw bytes
// (spec.md §4.6 "WebSocket → application direction").
func (b *Broker) wsReadLoop(ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if err := b.sendAppMsgIn(data); err != nil {
			b.log.Warn().Err(err).Msg("failed to forward websocket message to application")
			break
		}
	}

	b.wsMu.Lock()
	if b.ws == ws {
		b.ws = nil
	}
	b.wsMu.Unlock()
}

func (b *Broker) sendAppMsgIn(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	frame, err := wire.Encode(wire.AppMsgIn(len(data)))
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(b.conn, frame); err != nil {
		return err
	}
	_, err = b.conn.Write(data)
	return err
}

// SubmitForm delivers a browser-initiated form POST to the application as
// a form{size, mime} control message followed by the raw body (spec.md
// §7 "Form submission"). Callers (internal/listener) invoke this
// synchronously from the HTTP handler goroutine; it does not wait for any
// application reply.
func (b *Broker) SubmitForm(body []byte, mime string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	frame, err := wire.Encode(wire.Form(len(body), mime))
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(b.conn, frame); err != nil {
		return err
	}
	_, err = b.conn.Write(body)
	return err
}

// RequestClose sends a close_request control message, signalling that the
// windowing layer observed the user closing the session's window. The
// application may respond with close or ignore it (spec.md §4.6
// "Browser-initiated close").
func (b *Broker) RequestClose() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	frame, err := wire.Encode(wire.CloseRequest())
	if err != nil {
		return err
	}
	return wire.WriteFrame(b.conn, frame)
}

func (b *Broker) sendError(msg string) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	frame, err := wire.Encode(wire.Error(msg))
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to encode error message")
		return
	}
	if err := wire.WriteFrame(b.conn, frame); err != nil {
		b.log.Warn().Err(err).Msg("failed to send error message")
	}
}

// emit enqueues an event for the drain goroutine, preserving emission
// order without letting a slow Sink stall the receive loop.
func (b *Broker) emit(e winevent.Event) {
	select {
	case b.events <- e:
	default:
		b.log.Warn().Str("kind", e.Kind.String()).Msg("event queue full, dropping windowing event")
	}
}

// drainEvents runs for the Broker's lifetime, delivering queued events to
// the Sink one at a time and in order. It exits, and signals done, once
// Run closes events and every already-queued event has been delivered.
func (b *Broker) drainEvents() {
	defer close(b.done)
	for e := range b.events {
		b.sink.Emit(e)
	}
}

// teardown implements spec.md §4.6 "Teardown": close the WebSocket if
// any, emit ShowError if the session did not close gracefully, release the
// lock, remove the sandbox directory, and invoke OnTeardown last so the
// coordinator removes the session only once everything else is done.
func (b *Broker) teardown() {
	b.wsMu.Lock()
	ws := b.ws
	b.ws = nil
	b.wsMu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}

	if !b.gracefullyClosed {
		b.emit(winevent.Event{Kind: winevent.ShowError, SessionID: b.SessionID, Msg: "session terminated without a graceful close"})
	}
	close(b.events)
	<-b.done

	_ = b.conn.Close()

	if err := b.lock.Release(); err != nil {
		b.log.Warn().Err(err).Msg("failed to release session lock on teardown")
	}
	if err := b.sandbox.Close(); err != nil {
		b.log.Warn().Err(err).Msg("failed to remove sandbox directory on teardown")
	}

	if b.OnTeardown != nil {
		b.OnTeardown()
	}
}

// GracefullyClosed reports whether the session ended via an explicit
// close message rather than stream closure or error.
func (b *Broker) GracefullyClosed() bool {
	return b.gracefullyClosed
}

// Lookup resolves a URL to its on-disk resource within this session's
// sandbox, for the listener's GET/HEAD path (spec.md §4.5).
func (b *Broker) Lookup(url string) (sandbox.Resource, bool) {
	return b.sandbox.Lookup(url)
}
