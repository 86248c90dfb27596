package socks5

import "net/netip"

// DefaultMethods is the server's method preference list.
var DefaultMethods = []byte{MethodNoAuth}

// Request is a decoded client request.
type Request struct {
	Command byte
	Dst     Addr
}

// ParseGreeting decodes VER | NMETHODS | METHODS and selects the first
// method of supported that the client offered. On ErrIncomplete the
// cursor is left where it was.
func ParseGreeting(c *Cursor, supported []byte) (byte, error) {
	mark := c.Mark()
	method, err := parseGreeting(c, supported)
	if err == ErrIncomplete {
		c.Rewind(mark)
	}
	return method, err
}

func parseGreeting(c *Cursor, supported []byte) (byte, error) {
	ver, ok := c.TryByte()
	if !ok {
		return 0, ErrIncomplete
	}
	if ver != Version5 {
		return 0, protoErr(ErrUnsupportedVersion, ver)
	}
	n, ok := c.TryByte()
	if !ok {
		return 0, ErrIncomplete
	}
	if n == 0 {
		return MethodNoAcceptable, protoErr(ErrNoAcceptableMethod, n)
	}
	offered, ok := c.TryTake(int(n))
	if !ok {
		return 0, ErrIncomplete
	}

	for _, want := range supported {
		for _, m := range offered {
			if m == want {
				return m, nil
			}
		}
	}
	return MethodNoAcceptable, protoErr(ErrNoAcceptableMethod, n)
}

// ParseRequest decodes VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT.
// Unsupported commands are rejected as soon as CMD is available, before
// the address arrives. RSV is read and ignored.
func ParseRequest(c *Cursor) (Request, error) {
	mark := c.Mark()
	req, err := parseRequest(c)
	if err == ErrIncomplete {
		c.Rewind(mark)
	}
	return req, err
}

func parseRequest(c *Cursor) (Request, error) {
	ver, ok := c.TryByte()
	if !ok {
		return Request{}, ErrIncomplete
	}
	if ver != Version5 {
		return Request{}, protoErr(ErrUnsupportedVersion, ver)
	}
	cmd, ok := c.TryByte()
	if !ok {
		return Request{}, ErrIncomplete
	}
	if cmd != CmdConnect {
		return Request{Command: cmd}, protoErr(ErrUnsupportedCommand, cmd)
	}
	if _, ok := c.TryByte(); !ok {
		return Request{}, ErrIncomplete
	}
	dst, err := readAddr(c)
	if err != nil {
		return Request{Command: cmd}, err
	}
	return Request{Command: cmd, Dst: dst}, nil
}

// MethodReply is the two-byte answer to a greeting.
func MethodReply(method byte) []byte { return []byte{Version5, method} }

// Reply builds VER | REP | RSV | ATYP | BND.ADDR | BND.PORT. An invalid
// bind address is encoded as 0.0.0.0:0.
func Reply(rep byte, bind netip.AddrPort) []byte {
	b := make([]byte, 0, 3+1+16+2)
	b = append(b, Version5, rep, 0x00)
	return appendAddrPort(b, bind)
}
