// frame.go — length-framed control messages on the application stream.
//
// A frame is a fixed-width header carrying the body length followed by the
// body itself. Header width is a function of BufferSize: both sides of the
// control stream agree on BufferSize up front, and the header is sized to
// hold any length up to it. Raw upload/download bodies bypass this framing
// entirely — they are transferred as a known number of bytes, or as a
// sequence of chunked lengths (see ChunkHeaderSize).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// BufferSize is the shared control-message buffer size both sides of
	// the application stream agree on.
	BufferSize = 2048

	// headerSize holds body lengths up to BufferSize in a fixed-width
	// little-endian field. uint16 covers BufferSize (2048) comfortably.
	headerSize = 2

	// ChunkHeaderSize is the width of a streamed-upload chunk-size prefix.
	ChunkHeaderSize = 2
)

// EncodeHeader writes the frame header for a body of length n.
// n must fit in BufferSize; callers that exceed it get an error rather
// than a silently truncated header.
func EncodeHeader(w io.Writer, n int) error {
	if n < 0 || n > BufferSize {
		return fmt.Errorf("wire: body length %d exceeds buffer size %d", n, BufferSize)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(n))
	_, err := w.Write(hdr[:])
	return err
}

// DecodeHeader reads a frame header and returns the declared body length.
func DecodeHeader(r io.Reader) (int, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if n > BufferSize {
		return 0, fmt.Errorf("wire: declared body length %d exceeds buffer size %d", n, BufferSize)
	}
	return n, nil
}

// WriteFrame writes one frame (header + body) contiguously. Callers must
// not interleave another WriteFrame on the same writer mid-call — the
// broker serializes this per session (see internal/broker).
func WriteFrame(w io.Writer, body []byte) error {
	if err := EncodeHeader(w, len(body)); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one frame's body, sized by its header.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := DecodeHeader(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// EncodeChunkSize writes a streamed-upload chunk-size prefix.
func EncodeChunkSize(w io.Writer, n uint16) error {
	var hdr [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[:], n)
	_, err := w.Write(hdr[:])
	return err
}

// DecodeChunkSize reads a streamed-upload chunk-size prefix. A return of
// zero terminates the stream.
func DecodeChunkSize(r io.Reader) (uint16, error) {
	var hdr [ChunkHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(hdr[:]), nil
}
