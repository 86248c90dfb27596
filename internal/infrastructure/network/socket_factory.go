package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a non-blocking listening socket on addr ("host:port").
// An empty host binds every IPv4 interface.
func ListenTCP(addr string, backlog int) (int, error) {
	ap, err := ParseBindAddr(addr)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(family(ap.Addr()), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, Sockaddr(ap)); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// ParseBindAddr accepts "host:port" with a literal or empty host.
func ParseBindAddr(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}
	if len(addr) > 0 && addr[0] == ':' {
		return netip.ParseAddrPort("0.0.0.0" + addr)
	}
	return netip.AddrPort{}, fmt.Errorf("invalid bind address %q", addr)
}

// Accept takes one pending connection off a non-blocking listener. It
// returns unix.EAGAIN when none is ready.
func Accept(lfd int) (int, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		return nfd, FromSockaddr(sa), nil
	}
}

// DialTCP starts a non-blocking connect. inProgress is true when the
// caller must wait for writability and check ConnectError.
func DialTCP(dst netip.AddrPort) (fd int, inProgress bool, err error) {
	dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())
	fd, err = unix.Socket(family(dst.Addr()), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, Sockaddr(dst))
	switch {
	case err == nil:
		return fd, false, nil
	case errors.Is(err, unix.EINPROGRESS):
		return fd, true, nil
	default:
		unix.Close(fd)
		return 0, false, err
	}
}

// ConnectError reports the outcome of a non-blocking connect.
func ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// Connected reports whether a non-blocking connect on fd has completed.
// It returns false and no error while the handshake is still pending,
// which a writable event for a recycled descriptor can look like.
func Connected(fd int) (bool, error) {
	if err := ConnectError(fd); err != nil {
		return false, err
	}
	if _, err := unix.Getpeername(fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LocalAddr returns the address the kernel bound fd to.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return FromSockaddr(sa), nil
}

// BindUDP opens a non-blocking UDP socket for the family of peer.
func BindUDP(peer netip.Addr) (int, error) {
	fd, err := unix.Socket(family(peer), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	return fd, nil
}

func Sockaddr(ap netip.AddrPort) unix.Sockaddr {
	ip := ap.Addr()
	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.Unmap().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ip.As16()}
	return sa
}

func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func family(ip netip.Addr) int {
	if ip.Is6() && !ip.Is4In6() {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
