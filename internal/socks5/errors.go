package socks5

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrIncomplete means more bytes are needed; the cursor was not advanced.
	ErrIncomplete             = errors.New("socks5: incomplete message")
	ErrUnsupportedVersion     = errors.New("socks5: unsupported version")
	ErrNoAcceptableMethod     = errors.New("socks5: no acceptable auth method")
	ErrUnsupportedCommand     = errors.New("socks5: unsupported command")
	ErrUnsupportedAddressType = errors.New("socks5: unsupported address type")
	ErrMalformed              = errors.New("socks5: malformed field")
	ErrHostUnreachable        = errors.New("socks5: host unreachable")
)

// ProtocolError records the offending field value of a rejected message.
type ProtocolError struct {
	Err   error
	Value byte
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%v: %d", e.Err, e.Value) }

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(err error, v byte) error { return &ProtocolError{Err: err, Value: v} }

// ReplyCode maps a handshake or connect failure to its RFC 1928 reply code.
func ReplyCode(err error) byte {
	switch {
	case err == nil:
		return RepSuccess
	case errors.Is(err, ErrUnsupportedCommand):
		return RepCommandNotSupported
	case errors.Is(err, ErrUnsupportedAddressType):
		return RepAddressNotSupported
	case errors.Is(err, ErrHostUnreachable):
		return RepHostUnreachable
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ECONNREFUSED:
			return RepConnectionRefused
		case unix.ENETUNREACH, unix.EAFNOSUPPORT:
			return RepNetworkUnreachable
		case unix.EHOSTUNREACH, unix.ETIMEDOUT, unix.EHOSTDOWN:
			return RepHostUnreachable
		case unix.EACCES, unix.EPERM:
			return RepConnectionNotAllowed
		}
	}
	return RepGeneralFailure
}

// ReplyOwed reports whether a failed handshake step still owes the client
// a reply before the connection is closed.
func ReplyOwed(err error) bool {
	return errors.Is(err, ErrNoAcceptableMethod) ||
		errors.Is(err, ErrUnsupportedCommand) ||
		errors.Is(err, ErrUnsupportedAddressType) ||
		errors.Is(err, ErrMalformed)
}
