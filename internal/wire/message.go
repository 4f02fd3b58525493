// message.go — control-message schema: a tagged union of typed messages
// exchanged over the application control stream, encoded as a small
// textual key/value object with a required integer `type` discriminator.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the tagged union of control messages.
type MessageType int

// Application → broker message types.
const (
	TypeUpload MessageType = iota
	TypeNavigate
	TypeAppMsgOut
	TypeMimeMap
	TypeClose
	TypeAcceptIOTransfer
)

// Broker → application message types.
const (
	TypeForm MessageType = iota + 100
	TypeAppMsgIn
	TypeCloseRequest
	TypeError
)

// ResourceType distinguishes a plain file upload from an archive upload.
type ResourceType int

const (
	// ResourceFile is a regular uploaded file.
	ResourceFile ResourceType = iota
	// ResourceArchive is an archive to be expanded on placement.
	ResourceArchive
)

// Field length limits from spec.md §4.2 / §6.
const (
	MaxURLLen   = 512
	MaxMimeLen  = 256
	MaxFormLen  = 4096
	MaxUUIDLen  = 37
	MaxTokenLen = 37
)

// MimePair is one (extension, mime type) entry of a mime_map message.
type MimePair struct {
	Ext  string `json:"ext"`
	Mime string `json:"mime"`
}

// Message is the wire representation of a control message. The
// constructors below populate only the fields relevant to Type. Decode
// checks length bounds and non-negative sizes only; it does not reject a
// field that does not belong to the declared Type, nor unknown keys.
type Message struct {
	Type MessageType `json:"type"`

	URL   string       `json:"url,omitempty"`
	Size  int          `json:"size,omitempty"`
	Mime  string       `json:"mime,omitempty"`
	RType ResourceType `json:"resType,omitempty"`
	Msg   string       `json:"msg,omitempty"`
	Token string       `json:"token,omitempty"`
	Map   []MimePair   `json:"map,omitempty"`
}

// Encode marshals m into a frame body, enforcing the bound that callers
// must respect: the object must fit BufferSize once encoded (the caller
// is the one exceeding it, not the schema, so this is a caller error).
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	if len(b) > BufferSize {
		return nil, fmt.Errorf("wire: encoded message (%d bytes) exceeds buffer size %d", len(b), BufferSize)
	}
	return b, nil
}

// Decode unmarshals a frame body into a Message and validates its bounds.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	if err := validate(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func validate(m Message) error {
	if len(m.URL) > MaxURLLen {
		return fmt.Errorf("wire: url length %d exceeds %d", len(m.URL), MaxURLLen)
	}
	if len(m.Mime) > MaxMimeLen {
		return fmt.Errorf("wire: mime length %d exceeds %d", len(m.Mime), MaxMimeLen)
	}
	if len(m.Token) > MaxTokenLen {
		return fmt.Errorf("wire: token length %d exceeds %d", len(m.Token), MaxTokenLen)
	}
	if m.Size < 0 {
		return fmt.Errorf("wire: negative size field %d", m.Size)
	}
	switch m.Type {
	case TypeForm:
		if m.Size > MaxFormLen {
			return fmt.Errorf("wire: form body size %d exceeds %d", m.Size, MaxFormLen)
		}
	case TypeAppMsgOut, TypeAppMsgIn:
		if m.Size > BufferSize {
			return fmt.Errorf("wire: app message size %d exceeds buffer size %d", m.Size, BufferSize)
		}
	}
	for _, p := range m.Map {
		if len(p.Ext) > MaxMimeLen || len(p.Mime) > MaxMimeLen {
			return fmt.Errorf("wire: mime_map entry exceeds %d bytes", MaxMimeLen)
		}
	}
	return nil
}

// Upload builds an upload{url, size, rtype} message. size is 0 for a
// streamed upload whose length is not known up front.
func Upload(url string, size int, rtype ResourceType) Message {
	return Message{Type: TypeUpload, URL: url, Size: size, RType: rtype}
}

// Navigate builds a navigate{url} message.
func Navigate(url string) Message {
	return Message{Type: TypeNavigate, URL: url}
}

// AppMsgOut builds an app_msg{size} message sent by the application.
func AppMsgOut(size int) Message {
	return Message{Type: TypeAppMsgOut, Size: size}
}

// MimeMap builds a mime_map{map} message.
func MimeMap(pairs []MimePair) Message {
	return Message{Type: TypeMimeMap, Map: pairs}
}

// Close builds a close message.
func Close() Message {
	return Message{Type: TypeClose}
}

// AcceptIOTransfer builds an accept_io_transfer{token} message.
func AcceptIOTransfer(token string) Message {
	return Message{Type: TypeAcceptIOTransfer, Token: token}
}

// Form builds a form{size, mime} message sent by the broker.
func Form(size int, mime string) Message {
	return Message{Type: TypeForm, Size: size, Mime: mime}
}

// AppMsgIn builds an app_msg{size} message delivered by the broker.
func AppMsgIn(size int) Message {
	return Message{Type: TypeAppMsgIn, Size: size}
}

// CloseRequest builds a close_request message.
func CloseRequest() Message {
	return Message{Type: TypeCloseRequest}
}

// Error builds an error{msg} message.
func Error(msg string) Message {
	return Message{Type: TypeError, Msg: msg}
}
