// Package client is the application-side half of the control protocol
// (spec.md §1: "Only its wire contract is specified" — this package is
// one conforming implementation of that contract, not part of the
// specified broker core).
//
// The accept-framework that hands a session-identified socket to the
// broker is explicitly out of scope (spec.md §1); Dial fills that gap
// with the smallest possible stand-in — a single newline-terminated
// session-ID line sent ahead of the framed protocol — rather than
// inventing a general-purpose handshake service. cmd/formbrokerd reads
// the matching line on accept.
package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/brennhill/formbroker/internal/wire"
)

// Client is a connected application's half of one session's control
// stream. Safe for concurrent calls to its send methods; received
// traffic is delivered on the channels returned by Forms, AppMessages,
// CloseRequests and Errors.
type Client struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger

	writeMu sync.Mutex

	forms         chan Form
	appMsgs       chan []byte
	closeRequests chan struct{}
	errors        chan string

	done chan struct{}
}

// Dial connects to a broker listening for application streams at addr,
// sends the session-ID handshake line, and starts the receive loop.
func Dial(addr, sessionID string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", sessionID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: send session handshake: %w", err)
	}
	return New(conn, zerolog.Nop()), nil
}

// New wraps an already-connected, already session-associated stream
// (the role html_connection_transfer_fd plays in the source library) and
// starts its receive loop.
func New(conn io.ReadWriteCloser, log zerolog.Logger) *Client {
	c := &Client{
		conn:          conn,
		log:           log,
		forms:         make(chan Form, 8),
		appMsgs:       make(chan []byte, 32),
		closeRequests: make(chan struct{}, 1),
		errors:        make(chan string, 8),
		done:          make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Forms delivers each browser form submission the broker forwards, in
// order, with fields preserving the POST body's order and duplicates.
func (c *Client) Forms() <-chan Form { return c.forms }

// AppMessages delivers each payload the broker forwards from the
// session's attached WebSocket.
func (c *Client) AppMessages() <-chan []byte { return c.appMsgs }

// CloseRequests fires when the broker sends a close_request (the
// windowing layer observed the user closing the session's window). While
// one signal is still unread, further close_requests are dropped.
func (c *Client) CloseRequests() <-chan struct{} { return c.closeRequests }

// Errors delivers protocol-error messages the broker sends back for a
// malformed control message.
func (c *Client) Errors() <-chan string { return c.errors }

// Done closes when the receive loop exits, meaning the broker closed the
// stream or an unrecoverable read error occurred.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) send(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, body)
}

// Upload sends an upload{url, size, rtype} control message followed by
// exactly size bytes read from r.
func (c *Client) Upload(url string, r io.Reader, size int, rtype wire.ResourceType) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body, err := wire.Encode(wire.Upload(url, size, rtype))
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.conn, body); err != nil {
		return err
	}
	_, err = io.CopyN(c.conn, r, int64(size))
	return err
}

// UploadStream sends an upload{url, size=0, rtype} control message
// followed by a sequence of wire.ChunkHeaderSize-prefixed chunks read
// from r in wire.BufferSize pieces, terminated by a zero-length chunk.
func (c *Client) UploadStream(url string, r io.Reader, rtype wire.ResourceType) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body, err := wire.Encode(wire.Upload(url, 0, rtype))
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.conn, body); err != nil {
		return err
	}

	buf := make([]byte, wire.BufferSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := wire.EncodeChunkSize(c.conn, uint16(n)); err != nil {
				return err
			}
			if _, err := c.conn.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return wire.EncodeChunkSize(c.conn, 0)
		}
		if readErr != nil {
			return readErr
		}
	}
}

// Navigate sends a navigate{url} control message, asking the windowing
// layer to point the session's browser window at url.
func (c *Client) Navigate(url string) error {
	return c.send(wire.Navigate(url))
}

// SendAppMsg sends data as a framed app_msg to be forwarded to the
// session's attached WebSocket (or buffered if none is attached).
func (c *Client) SendAppMsg(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body, err := wire.Encode(wire.AppMsgOut(len(data)))
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.conn, body); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

// SetMimeMap installs MIME overrides for the extensions listed in pairs.
func (c *Client) SetMimeMap(pairs []wire.MimePair) error {
	return c.send(wire.MimeMap(pairs))
}

// AcceptIOTransfer forwards an opaque I/O transfer token to the
// windowing layer.
func (c *Client) AcceptIOTransfer(token string) error {
	return c.send(wire.AcceptIOTransfer(token))
}

// Close sends a graceful close message and closes the underlying stream.
func (c *Client) Close() error {
	if err := c.send(wire.Close()); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func (c *Client) receiveLoop() {
	defer close(c.done)
	defer close(c.forms)
	defer close(c.appMsgs)
	defer close(c.closeRequests)
	defer close(c.errors)

	r := bufio.NewReader(c.conn)
	for {
		body, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		msg, err := wire.Decode(body)
		if err != nil {
			c.log.Warn().Err(err).Msg("received malformed control message")
			continue
		}

		switch msg.Type {
		case wire.TypeForm:
			buf := make([]byte, msg.Size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			c.forms <- ParseForm(buf)

		case wire.TypeAppMsgIn:
			buf := make([]byte, msg.Size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			c.appMsgs <- buf

		case wire.TypeCloseRequest:
			select {
			case c.closeRequests <- struct{}{}:
			default:
			}

		case wire.TypeError:
			select {
			case c.errors <- msg.Msg:
			default:
			}

		default:
			c.log.Warn().Int("type", int(msg.Type)).Msg("received unexpected message type")
		}
	}
}
