package application

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"socks-proxy/internal/config"
	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/metrics"
	"socks-proxy/internal/socks5"
	"socks-proxy/pkg/logger"
)

// mapResolver answers synchronously from a fixed table.
type mapResolver map[string]netip.Addr

func (m mapResolver) Resolve(host string, done func(netip.Addr, error)) func() {
	if ip, ok := m[host]; ok {
		done(ip, nil)
	} else {
		done(netip.Addr{}, errors.New("no such host"))
	}
	return func() {}
}

func startProxy(t *testing.T, mutate func(*config.Config), res domain.Resolver) netip.AddrPort {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}

	log := logger.Discard()
	loop, err := epoll.New(log)
	require.NoError(t, err)

	s, err := NewProxyService(loop, log, cfg, res, metrics.New())
	require.NoError(t, err)
	addr, err := s.Addr()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	t.Cleanup(func() {
		s.Stop()
		require.NoError(t, <-done)
		loop.Close()
	})
	return addr
}

// startEcho echoes every byte and closes its write side after the
// client's EOF.
func startEcho(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
				_ = c.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

func dial(t *testing.T, proxy netip.AddrPort) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", proxy.String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	return c
}

func connectRequest(t *testing.T, dst socks5.Addr) []byte {
	t.Helper()
	return request(t, socks5.CmdConnect, dst)
}

func request(t *testing.T, cmd byte, dst socks5.Addr) []byte {
	t.Helper()
	b, err := socks5.AppendAddr([]byte{0x05, cmd, 0x00}, dst)
	require.NoError(t, err)
	return b
}

// handshake negotiates no-auth and CONNECT, returning the decoded reply.
func handshake(t *testing.T, c net.Conn, dst socks5.Addr) (byte, socks5.Addr) {
	t.Helper()
	_, err := c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	method := make([]byte, 2)
	_, err = io.ReadFull(c, method)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, method)

	_, err = c.Write(connectRequest(t, dst))
	require.NoError(t, err)
	return readReply(t, c)
}

func readReply(t *testing.T, c net.Conn) (byte, socks5.Addr) {
	t.Helper()
	head := make([]byte, 4)
	_, err := io.ReadFull(c, head)
	require.NoError(t, err)
	require.EqualValues(t, socks5.Version5, head[0])

	var n int
	switch head[3] {
	case socks5.AtypIPv4:
		n = 4 + 2
	case socks5.AtypIPv6:
		n = 16 + 2
	default:
		t.Fatalf("unexpected reply atyp %d", head[3])
	}
	rest := make([]byte, n)
	_, err = io.ReadFull(c, rest)
	require.NoError(t, err)

	var cur socks5.Cursor
	cur.Feed(head[3:])
	cur.Feed(rest)
	addr, err := socks5.ReadAddr(&cur)
	require.NoError(t, err)
	return head[1], addr
}

func requireClosed(t *testing.T, c net.Conn) {
	t.Helper()
	rest, err := io.ReadAll(c)
	if err != nil {
		require.ErrorContains(t, err, "reset")
	}
	require.Empty(t, rest)
}

func TestProxyConnectIPv4(t *testing.T) {
	echo := startEcho(t)
	proxy := startProxy(t, nil, nil)
	c := dial(t, proxy)

	rep, bind := handshake(t, c, socks5.AddrFromAddrPort(echo))
	require.EqualValues(t, socks5.RepSuccess, rep)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), bind.AddrPort.Addr())
	require.NotZero(t, bind.AddrPort.Port())

	payload := randomBytes(4 << 20)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		if err == nil {
			err = c.(*net.TCPConn).CloseWrite()
		}
		errc <- err
	}()

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	require.True(t, bytes.Equal(payload, got), "echoed bytes differ")
}

func TestProxyConnectDomain(t *testing.T) {
	echo := startEcho(t)
	proxy := startProxy(t, nil, mapResolver{"echo.test": echo.Addr()})
	c := dial(t, proxy)

	rep, _ := handshake(t, c, socks5.Addr{Type: socks5.AtypDomain, Host: "echo.test", Port: echo.Port()})
	require.EqualValues(t, socks5.RepSuccess, rep)

	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestProxyResolveFailure(t *testing.T) {
	proxy := startProxy(t, nil, mapResolver{})
	c := dial(t, proxy)

	rep, _ := handshake(t, c, socks5.Addr{Type: socks5.AtypDomain, Host: "missing.test", Port: 80})
	require.EqualValues(t, socks5.RepHostUnreachable, rep)
	requireClosed(t, c)
}

func TestProxyConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	proxy := startProxy(t, nil, nil)
	c := dial(t, proxy)
	rep, _ := handshake(t, c, socks5.AddrFromAddrPort(dead))
	require.EqualValues(t, socks5.RepConnectionRefused, rep)
	requireClosed(t, c)
}

func TestProxyFragmentedHandshakeAndPipelining(t *testing.T) {
	echo := startEcho(t)
	proxy := startProxy(t, nil, nil)
	c := dial(t, proxy)

	msg := []byte{0x05, 0x01, 0x00}
	msg = append(msg, connectRequest(t, socks5.AddrFromAddrPort(echo))...)
	msg = append(msg, "early data"...)
	for _, b := range msg {
		_, err := c.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	method := make([]byte, 2)
	_, err := io.ReadFull(c, method)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, method)

	rep, _ := readReply(t, c)
	require.EqualValues(t, socks5.RepSuccess, rep)

	buf := make([]byte, len("early data"))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "early data", string(buf))
}

func TestProxyProtocolErrors(t *testing.T) {
	proxy := startProxy(t, nil, nil)

	t.Run("bad version", func(t *testing.T) {
		c := dial(t, proxy)
		_, err := c.Write([]byte{0x04, 0x01, 0x00})
		require.NoError(t, err)
		requireClosed(t, c)
	})

	t.Run("no acceptable method", func(t *testing.T) {
		c := dial(t, proxy)
		_, err := c.Write([]byte{0x05, 0x01, 0x02})
		require.NoError(t, err)
		got, _ := io.ReadAll(c)
		require.Equal(t, []byte{0x05, 0xff}, got)
	})

	t.Run("bind command", func(t *testing.T) {
		c := dial(t, proxy)
		_, err := c.Write([]byte{0x05, 0x01, 0x00})
		require.NoError(t, err)
		method := make([]byte, 2)
		_, err = io.ReadFull(c, method)
		require.NoError(t, err)

		req := request(t, socks5.CmdBind, socks5.AddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:80")))
		_, err = c.Write(req)
		require.NoError(t, err)
		got, _ := io.ReadAll(c)
		require.Equal(t, []byte{0x05, socks5.RepCommandNotSupported, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, got)
	})
}

func TestProxyHalfCloseFromDestination(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("banner"))
		_ = c.(*net.TCPConn).CloseWrite()
		data, _ := io.ReadAll(c)
		received <- data
	}()

	proxy := startProxy(t, nil, nil)
	c := dial(t, proxy)
	rep, _ := handshake(t, c, socks5.AddrFromAddrPort(netip.MustParseAddrPort(ln.Addr().String())))
	require.EqualValues(t, socks5.RepSuccess, rep)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "banner", string(got), "destination EOF reaches the client")

	// The client direction still works after the destination's EOF.
	_, err = c.Write([]byte("still talking"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	select {
	case data := <-received:
		require.Equal(t, "still talking", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("destination never saw the client's bytes")
	}
}

func TestProxyConnectionLimit(t *testing.T) {
	echo := startEcho(t)
	proxy := startProxy(t, func(c *config.Config) { c.MaxConnections = 1 }, nil)

	first := dial(t, proxy)
	rep, _ := handshake(t, first, socks5.AddrFromAddrPort(echo))
	require.EqualValues(t, socks5.RepSuccess, rep)

	second := dial(t, proxy)
	_, err := second.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.Read(make([]byte, 2))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "second client must wait in the backlog, got %v", err)

	first.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	method := make([]byte, 2)
	_, err = io.ReadFull(second, method)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, method)
}

func TestAcceptPausesOnDescriptorExhaustion(t *testing.T) {
	s, loop := newTestService(1024, 256)
	tfd, err := network.NewTimer()
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(tfd) })
	s.retryFD = tfd

	s.accept = func(int) (int, netip.AddrPort, error) {
		return 0, netip.AddrPort{}, unix.EMFILE
	}
	require.NoError(t, s.HandleEvent(s.listenerFD, domain.EventRead))
	require.False(t, s.accepting, "listener must leave the loop instead of spinning")

	// With no session left to close, the retry timer brings accept back.
	pfd := []unix.PollFd{{Fd: int32(tfd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 2000)
	require.NoError(t, err)
	require.Equal(t, 1, n, "retry timer never fired")

	require.NoError(t, s.HandleEvent(tfd, domain.EventRead))
	require.True(t, s.accepting)
	require.Equal(t, domain.EventRead, loop.interest[s.listenerFD])
}

func TestAcceptPausesOnExhaustionWithLiveSessions(t *testing.T) {
	s, _ := newTestService(1024, 256)
	tfd, err := network.NewTimer()
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(tfd) })
	s.retryFD = tfd

	client := newFakeSocket(10)
	sess := s.addSession(domain.StateAwaitingGreeting, client, nil)
	s.accept = func(int) (int, netip.AddrPort, error) {
		return 0, netip.AddrPort{}, unix.ENFILE
	}
	require.NoError(t, s.HandleEvent(s.listenerFD, domain.EventRead))
	require.False(t, s.accepting)

	s.closeSession(sess, "done")
	require.True(t, s.accepting, "a closing session resumes accept")
}

func TestShutdownDoesNotResumeAccept(t *testing.T) {
	s, loop := newTestService(1024, 256)
	s.cfg.MaxConnections = 2
	s.accepting = false
	s.addSession(domain.StateAwaitingGreeting, newFakeSocket(10), nil)
	s.addSession(domain.StateAwaitingGreeting, newFakeSocket(11), nil)

	s.shutdown()
	require.Zero(t, s.live)
	require.NotContains(t, loop.registered, s.listenerFD)
	require.False(t, s.accepting)
}
