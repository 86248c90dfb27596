package application

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/config"
	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/metrics"
	"socks-proxy/internal/socks5"
)

// ProxyService is the reactor side of the proxy: it owns the listener and
// the session table and turns readiness events into handshake steps and
// relay pumps. Everything except Stop runs on the event loop goroutine.
type ProxyService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	resolver domain.Resolver
	aux      []domain.FDOwner
	metrics  *metrics.Metrics
	cfg      config.Config

	listenerFD int
	accepting  bool
	stopping   bool
	retryFD    int // timerfd that re-arms accept after descriptor exhaustion
	accept     func(lfd int) (int, netip.AddrPort, error)
	sessions   map[int]*domain.Session // client and remote fd -> session
	live       int
	nextID     uint64
	methods    []byte
	chunk      []byte
}

const acceptRetryDelay = 100 * time.Millisecond

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg config.Config, resolver domain.Resolver, m *metrics.Metrics) (*ProxyService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lfd, err := network.ListenTCP(cfg.Listen, unix.SOMAXCONN)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	tfd, err := network.NewTimer()
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to create accept timer: %w", err)
	}
	if err := loop.Register(tfd, domain.EventRead); err != nil {
		unix.Close(lfd)
		unix.Close(tfd)
		return nil, fmt.Errorf("failed to register accept timer: %w", err)
	}

	s := &ProxyService{
		log:        logger,
		loop:       loop,
		resolver:   resolver,
		metrics:    m,
		cfg:        cfg,
		listenerFD: lfd,
		retryFD:    tfd,
		accept:     network.Accept,
		sessions:   make(map[int]*domain.Session),
		methods:    socks5.DefaultMethods,
		chunk:      make([]byte, cfg.ReadChunk),
	}
	if owner, ok := resolver.(domain.FDOwner); ok {
		s.aux = append(s.aux, owner)
	}
	return s, nil
}

// Addr is the address the listener is bound to.
func (s *ProxyService) Addr() (netip.AddrPort, error) {
	return network.LocalAddr(s.listenerFD)
}

// Start serves until Stop is called, then closes every session and the
// listener.
func (s *ProxyService) Start() error {
	s.log.Info("Registering listener in EventLoop", "listener_fd", s.listenerFD, "addr", s.cfg.Listen)

	if err := s.setAccepting(true); err != nil {
		return err
	}

	s.log.Info("Proxy service is running loop...")
	err := s.loop.Run(s)
	s.shutdown()
	return err
}

// Stop makes Start return. Safe to call from any goroutine.
func (s *ProxyService) Stop() {
	s.loop.Stop()
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptNewClients()
	}
	if fd == s.retryFD {
		network.DrainTimer(fd)
		s.log.Info("Retrying accept")
		return s.setAccepting(true)
	}
	for _, owner := range s.aux {
		if owner.Owns(fd) {
			return owner.HandleEvent(fd, event)
		}
	}

	sess := s.sessions[fd]
	if sess == nil {
		return nil
	}

	if sess.CloseAfterFlush {
		s.drainAndClose(sess)
		return nil
	}

	switch sess.State {
	case domain.StateAwaitingGreeting, domain.StateAwaitingRequest, domain.StateResolving:
		s.readHandshake(sess)
	case domain.StateConnecting:
		if sess.Remote != nil && fd == sess.Remote.FD() {
			if event&domain.EventWrite != 0 {
				s.finalizeConnect(sess)
			}
			return nil
		}
		s.readHandshake(sess)
	case domain.StateRelaying:
		s.relay(sess)
	}
	return nil
}

func (s *ProxyService) acceptNewClients() error {
	for s.live < s.cfg.MaxConnections {
		nfd, peer, err := s.accept(s.listenerFD)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if isFDExhaustion(err) {
			s.log.Warn("Out of descriptors, pausing accept", "error", err, "live", s.live)
			if s.live == 0 {
				// No session close will resume accepting.
				if err := network.ArmTimer(s.retryFD, acceptRetryDelay); err != nil {
					s.log.Error("Failed to arm accept timer", "error", err)
				}
			}
			return s.setAccepting(false)
		}
		if err != nil {
			s.log.Error("Accept failed", "error", err)
			return err
		}

		s.nextID++
		sess := &domain.Session{
			ID:     s.nextID,
			Client: network.NewFDSocket(nfd),
			State:  domain.StateAwaitingGreeting,
		}
		s.sessions[nfd] = sess
		s.live++
		s.metrics.SessionOpened()

		s.log.Info("New client accepted", "conn", sess.ID, "fd", nfd, "ip", peer)
		s.updateInterest(sess)
	}

	s.log.Warn("Connection limit reached, pausing accept", "limit", s.cfg.MaxConnections)
	return s.setAccepting(false)
}

func isFDExhaustion(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

// setAccepting adds or removes the listener from the loop. While removed,
// new connections wait in the kernel backlog.
func (s *ProxyService) setAccepting(on bool) error {
	if on == s.accepting {
		return nil
	}
	var err error
	if on {
		err = s.loop.Register(s.listenerFD, domain.EventRead)
	} else {
		err = s.loop.Unregister(s.listenerFD)
	}
	if err != nil {
		return fmt.Errorf("toggle listener: %w", err)
	}
	s.accepting = on
	return nil
}

// updateInterest registers exactly the readiness each socket needs now.
// A socket that needs nothing is removed from the loop.
func (s *ProxyService) updateInterest(sess *domain.Session) {
	hw := s.cfg.HighWaterMark
	var ci, ri domain.EventType

	switch {
	case sess.CloseAfterFlush:
		if sess.ClientOut.Len() > 0 {
			ci = domain.EventWrite
		}
	case sess.State == domain.StateRelaying:
		if !sess.ClientReadClosed && sess.RemoteOut.Len() < hw {
			ci |= domain.EventRead
		}
		if sess.ClientOut.Len() > 0 {
			ci |= domain.EventWrite
		}
		if !sess.RemoteReadClosed && sess.ClientOut.Len() < hw {
			ri |= domain.EventRead
		}
		if sess.RemoteOut.Len() > 0 {
			ri |= domain.EventWrite
		}
	default:
		if !sess.ClientReadClosed && sess.Inbound.Len() < hw {
			ci |= domain.EventRead
		}
		if sess.ClientOut.Len() > 0 {
			ci |= domain.EventWrite
		}
		if sess.State == domain.StateConnecting {
			ri = domain.EventWrite
		}
	}

	if err := s.watch(sess.Client.FD(), &sess.ClientInterest, ci); err != nil {
		s.closeSession(sess, "register client: "+err.Error())
		return
	}
	if sess.Remote != nil {
		if err := s.watch(sess.Remote.FD(), &sess.RemoteInterest, ri); err != nil {
			s.closeSession(sess, "register remote: "+err.Error())
		}
	}
}

func (s *ProxyService) watch(fd int, cur *domain.EventType, want domain.EventType) error {
	if *cur == want {
		return nil
	}
	var err error
	switch {
	case *cur == 0:
		err = s.loop.Register(fd, want)
	case want == 0:
		err = s.loop.Unregister(fd)
	default:
		err = s.loop.Modify(fd, want)
	}
	if err != nil {
		return err
	}
	*cur = want
	return nil
}

// dropSocket closes one socket of sess and forgets its registration.
func (s *ProxyService) dropSocket(sock domain.Socket, interest *domain.EventType) {
	fd := sock.FD()
	if *interest != 0 {
		s.loop.Unregister(fd)
		*interest = 0
	}
	sock.Close()
	delete(s.sessions, fd)
}

func (s *ProxyService) closeSession(sess *domain.Session, reason string) {
	if sess.State == domain.StateClosing {
		return
	}
	sess.State = domain.StateClosing
	if sess.CancelResolve != nil {
		sess.CancelResolve()
		sess.CancelResolve = nil
	}

	s.log.Info("Closing session", "conn", sess.ID, "reason", reason,
		"bytes_up", sess.BytesUp, "bytes_down", sess.BytesDown)

	if sess.Client != nil {
		s.dropSocket(sess.Client, &sess.ClientInterest)
	}
	if sess.Remote != nil {
		s.dropSocket(sess.Remote, &sess.RemoteInterest)
	}
	sess.ClientOut.Reset()
	sess.RemoteOut.Reset()

	s.live--
	s.metrics.SessionClosed(sess.BytesUp, sess.BytesDown)

	if !s.stopping && !s.accepting && s.live < s.cfg.MaxConnections {
		if err := s.setAccepting(true); err != nil {
			s.log.Error("Failed to resume accept", "error", err)
		}
	}
}

func (s *ProxyService) shutdown() {
	s.log.Info("Shutting down proxy service", "sessions", s.live)
	s.stopping = true

	for _, sess := range s.sessions {
		s.closeSession(sess, "shutdown")
	}

	if s.accepting {
		s.loop.Unregister(s.listenerFD)
		s.accepting = false
	}
	unix.Close(s.listenerFD)
	if s.retryFD >= 0 {
		s.loop.Unregister(s.retryFD)
		unix.Close(s.retryFD)
	}

	if c, ok := s.resolver.(io.Closer); ok {
		c.Close()
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}
