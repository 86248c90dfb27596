package application

import (
	"bytes"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/config"
	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/socks5"
	"socks-proxy/pkg/logger"
)

// fakeSocket is an in-memory domain.Socket. Reads drain inbound, then
// report EOF if eof is set or EAGAIN otherwise. Writes accept at most
// budget bytes (negative means unlimited) and then report EAGAIN.
type fakeSocket struct {
	fd       int
	inbound  bytes.Buffer
	eof      bool
	readErr  error
	written  bytes.Buffer
	budget   int
	writeErr error
	shut     bool
	closed   bool
	reads    int
}

func newFakeSocket(fd int) *fakeSocket { return &fakeSocket{fd: fd, budget: -1} }

func (f *fakeSocket) FD() int { return f.fd }

func (f *fakeSocket) Read(p []byte) (int, error) {
	f.reads++
	if f.readErr != nil {
		return 0, f.readErr
	}
	if f.inbound.Len() == 0 {
		if f.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	return f.inbound.Read(p)
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.shut {
		return 0, unix.EPIPE
	}
	n := len(p)
	if f.budget >= 0 {
		if f.budget == 0 {
			return 0, unix.EAGAIN
		}
		n = min(n, f.budget)
		f.budget -= n
	}
	f.written.Write(p[:n])
	return n, nil
}

func (f *fakeSocket) CloseWrite() error {
	f.shut = true
	return nil
}

func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

// fakeLoop records the interest set of every registered fd and the
// order in which fds were registered.
type fakeLoop struct {
	interest   map[int]domain.EventType
	registered []int
}

func newFakeLoop() *fakeLoop { return &fakeLoop{interest: make(map[int]domain.EventType)} }

func (l *fakeLoop) Register(fd int, ev domain.EventType) error {
	l.interest[fd] = ev
	l.registered = append(l.registered, fd)
	return nil
}

func (l *fakeLoop) Modify(fd int, ev domain.EventType) error {
	l.interest[fd] = ev
	return nil
}

func (l *fakeLoop) Unregister(fd int) error {
	delete(l.interest, fd)
	return nil
}

func (l *fakeLoop) Run(domain.EventHandler) error { return nil }

func (l *fakeLoop) Stop() {}

// fakeResolver holds lookups until the test answers them.
type fakeResolver struct {
	hosts     []string
	done      func(netip.Addr, error)
	cancelled bool
}

func (r *fakeResolver) Resolve(host string, done func(netip.Addr, error)) func() {
	r.hosts = append(r.hosts, host)
	r.done = done
	return func() { r.cancelled = true }
}

func newTestService(hw, chunk int) (*ProxyService, *fakeLoop) {
	cfg := config.Default()
	cfg.HighWaterMark = hw
	cfg.ReadChunk = chunk

	loop := newFakeLoop()
	s := &ProxyService{
		log:        logger.Discard(),
		loop:       loop,
		cfg:        cfg,
		listenerFD: -1,
		accepting:  true,
		retryFD:    -1,
		accept:     network.Accept,
		sessions:   make(map[int]*domain.Session),
		methods:    socks5.DefaultMethods,
		chunk:      make([]byte, chunk),
	}
	return s, loop
}

func (s *ProxyService) addSession(state domain.State, client, remote *fakeSocket) *domain.Session {
	s.nextID++
	sess := &domain.Session{ID: s.nextID, Client: client, State: state}
	s.sessions[client.fd] = sess
	if remote != nil {
		sess.Remote = remote
		s.sessions[remote.fd] = sess
	}
	s.live++
	return sess
}
