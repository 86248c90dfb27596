package domain

import (
	"bytes"

	"socks-proxy/internal/socks5"
)

type State int

const (
	StateAwaitingGreeting State = iota // VER | NMETHODS | METHODS
	StateAwaitingRequest               // CONNECT request
	StateResolving                     // DNS
	StateConnecting                    // TCP Connect (EINPROGRESS)
	StateRelaying                      // Pipe
	StateClosing                       // Closed
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting_greeting"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Session is one accepted client and, from StateConnecting on, its
// destination. It owns both sockets and every buffer.
type Session struct {
	ID     uint64
	Client Socket
	Remote Socket
	State  State

	// Inbound holds client bytes not yet consumed by the handshake parser.
	// Anything left after the request is forwarded once relaying starts.
	Inbound socks5.Cursor
	Target  socks5.Addr

	ClientOut bytes.Buffer // pending writes to the client
	RemoteOut bytes.Buffer // pending writes to the destination

	ClientReadClosed bool
	RemoteReadClosed bool
	ClientWriteShut  bool
	RemoteWriteShut  bool

	// CloseAfterFlush is set once a failure reply is queued; the session
	// only drains ClientOut and then closes.
	CloseAfterFlush bool

	ClientInterest EventType
	RemoteInterest EventType

	CancelResolve func()

	BytesUp   int64 // client -> destination
	BytesDown int64 // destination -> client
}

// Drained reports whether both directions have hit EOF and every
// buffered byte has been written.
func (s *Session) Drained() bool {
	return s.ClientReadClosed && s.RemoteReadClosed &&
		s.ClientOut.Len() == 0 && s.RemoteOut.Len() == 0
}
