package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Addr is a decoded DST/BND address. Literal addresses carry AddrPort;
// domain names carry Host and Port and must be resolved before dialing.
type Addr struct {
	Type     byte
	AddrPort netip.AddrPort
	Host     string
	Port     uint16
}

func (a Addr) IsDomain() bool { return a.Type == AtypDomain }

func (a Addr) String() string {
	if a.IsDomain() {
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	}
	return a.AddrPort.String()
}

// ReadAddr decodes ATYP | ADDR | PORT. On ErrIncomplete the cursor is
// rewound to where it started.
func ReadAddr(c *Cursor) (Addr, error) {
	mark := c.Mark()
	a, err := readAddr(c)
	if err == ErrIncomplete {
		c.Rewind(mark)
	}
	return a, err
}

func readAddr(c *Cursor) (Addr, error) {
	atyp, ok := c.TryByte()
	if !ok {
		return Addr{}, ErrIncomplete
	}

	a := Addr{Type: atyp}
	switch atyp {
	case AtypIPv4:
		b, ok := c.TryTake(4 + 2)
		if !ok {
			return Addr{}, ErrIncomplete
		}
		ip := netip.AddrFrom4([4]byte(b[:4]))
		a.AddrPort = netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[4:]))
		a.Port = a.AddrPort.Port()
	case AtypIPv6:
		b, ok := c.TryTake(16 + 2)
		if !ok {
			return Addr{}, ErrIncomplete
		}
		ip := netip.AddrFrom16([16]byte(b[:16]))
		a.AddrPort = netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[16:]))
		a.Port = a.AddrPort.Port()
	case AtypDomain:
		n, ok := c.TryByte()
		if !ok {
			return Addr{}, ErrIncomplete
		}
		b, ok := c.TryTake(int(n) + 2)
		if !ok {
			return Addr{}, ErrIncomplete
		}
		if n == 0 {
			return Addr{}, protoErr(ErrMalformed, n)
		}
		a.Host = string(b[:n])
		a.Port = binary.BigEndian.Uint16(b[n:])
	default:
		return Addr{}, protoErr(ErrUnsupportedAddressType, atyp)
	}
	return a, nil
}

// AppendAddr appends the wire form of a to b. Domain names must be
// 1 to 255 bytes long.
func AppendAddr(b []byte, a Addr) ([]byte, error) {
	if a.IsDomain() {
		if len(a.Host) == 0 || len(a.Host) > maxHostLen {
			return b, fmt.Errorf("%w: domain of %d bytes", ErrMalformed, len(a.Host))
		}
		b = append(b, AtypDomain, byte(len(a.Host)))
		b = append(b, a.Host...)
		return binary.BigEndian.AppendUint16(b, a.Port), nil
	}
	return appendAddrPort(b, a.AddrPort), nil
}

const maxHostLen = 255

func appendAddrPort(b []byte, ap netip.AddrPort) []byte {
	ip := ap.Addr().Unmap()
	switch {
	case ip.Is4():
		v4 := ip.As4()
		b = append(b, AtypIPv4)
		b = append(b, v4[:]...)
	case ip.Is6():
		v6 := ip.As16()
		b = append(b, AtypIPv6)
		b = append(b, v6[:]...)
	default:
		return append(b, AtypIPv4, 0, 0, 0, 0, 0, 0)
	}
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

// AddrFromAddrPort wraps a literal address.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	t := byte(AtypIPv4)
	if ap.Addr().Is6() {
		t = AtypIPv6
	}
	return Addr{Type: t, AddrPort: ap, Port: ap.Port()}
}
