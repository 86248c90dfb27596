package application

import (
	"errors"
	"fmt"
	"net/netip"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/metrics"
	"socks-proxy/internal/socks5"
)

// readHandshake reads what the client has sent so far and advances the
// handshake as far as those bytes allow.
func (s *ProxyService) readHandshake(sess *domain.Session) {
	room := s.cfg.HighWaterMark - sess.Inbound.Len()
	if sess.ClientReadClosed || room <= 0 {
		s.updateInterest(sess)
		return
	}

	n, err := sess.Client.Read(s.chunk[:min(room, len(s.chunk))])
	switch {
	case wouldBlock(err):
	case err != nil:
		s.metrics.HandshakeFailed(metrics.ReasonClientClosed)
		s.closeSession(sess, "handshake read failed: "+err.Error())
		return
	case n == 0:
		if sess.State == domain.StateAwaitingGreeting || sess.State == domain.StateAwaitingRequest {
			s.metrics.HandshakeFailed(metrics.ReasonClientClosed)
			s.closeSession(sess, "client closed during handshake")
			return
		}
		// The request is complete; the EOF is forwarded once relaying starts.
		sess.ClientReadClosed = true
	default:
		sess.Inbound.Feed(s.chunk[:n])
	}

	s.advanceHandshake(sess)
}

func (s *ProxyService) advanceHandshake(sess *domain.Session) {
	for {
		switch sess.State {
		case domain.StateAwaitingGreeting:
			method, err := socks5.ParseGreeting(&sess.Inbound, s.methods)
			if err == socks5.ErrIncomplete {
				s.flushHandshake(sess)
				return
			}
			if err != nil {
				s.failHandshake(sess, err)
				return
			}
			sess.ClientOut.Write(socks5.MethodReply(method))
			sess.State = domain.StateAwaitingRequest
			s.log.Debug("Auth method selected, waiting for command", "conn", sess.ID, "method", method)

		case domain.StateAwaitingRequest:
			req, err := socks5.ParseRequest(&sess.Inbound)
			if err == socks5.ErrIncomplete {
				s.flushHandshake(sess)
				return
			}
			if err != nil {
				s.failHandshake(sess, err)
				return
			}
			sess.Target = req.Dst
			if !s.flushHandshake(sess) {
				return
			}
			s.resolveTarget(sess)
			return

		default:
			s.flushHandshake(sess)
			return
		}
	}
}

// flushHandshake writes queued handshake replies and refreshes interest.
// It reports false if the session was closed.
func (s *ProxyService) flushHandshake(sess *domain.Session) bool {
	if err := flush(sess.Client, &sess.ClientOut); err != nil {
		s.closeSession(sess, "handshake write failed: "+err.Error())
		return false
	}
	s.updateInterest(sess)
	return sess.State != domain.StateClosing
}

func (s *ProxyService) failHandshake(sess *domain.Session, err error) {
	s.metrics.HandshakeFailed(failureReason(err))
	s.log.Warn("Handshake failed", "conn", sess.ID, "state", sess.State, "error", err)

	if !socks5.ReplyOwed(err) {
		s.closeSession(sess, err.Error())
		return
	}
	if errors.Is(err, socks5.ErrNoAcceptableMethod) {
		s.replyAndClose(sess, socks5.MethodReply(socks5.MethodNoAcceptable))
		return
	}
	s.replyAndClose(sess, socks5.Reply(socks5.ReplyCode(err), netip.AddrPort{}))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, socks5.ErrUnsupportedVersion):
		return metrics.ReasonVersion
	case errors.Is(err, socks5.ErrNoAcceptableMethod):
		return metrics.ReasonNoMethod
	case errors.Is(err, socks5.ErrUnsupportedCommand):
		return metrics.ReasonCommand
	case errors.Is(err, socks5.ErrUnsupportedAddressType):
		return metrics.ReasonAddressType
	}
	return metrics.ReasonMalformed
}

// replyAndClose queues a final reply; the session closes once it is sent.
func (s *ProxyService) replyAndClose(sess *domain.Session, reply []byte) {
	sess.ClientOut.Write(reply)
	sess.CloseAfterFlush = true
	s.drainAndClose(sess)
}

func (s *ProxyService) drainAndClose(sess *domain.Session) {
	if err := flush(sess.Client, &sess.ClientOut); err != nil {
		s.closeSession(sess, "reply write failed: "+err.Error())
		return
	}
	if sess.ClientOut.Len() == 0 {
		s.closeSession(sess, "failure reply sent")
		return
	}
	s.updateInterest(sess)
}

func (s *ProxyService) resolveTarget(sess *domain.Session) {
	sess.State = domain.StateResolving
	if !sess.Target.IsDomain() {
		s.startConnect(sess, sess.Target.AddrPort)
		return
	}
	if s.resolver == nil {
		s.connectFailed(sess, fmt.Errorf("no resolver for %s: %w", sess.Target.Host, socks5.ErrHostUnreachable))
		return
	}

	s.log.Info("Resolving domain", "conn", sess.ID, "domain", sess.Target.Host)
	port := sess.Target.Port
	cancel := s.resolver.Resolve(sess.Target.Host, func(ip netip.Addr, err error) {
		sess.CancelResolve = nil
		if sess.State != domain.StateResolving {
			return
		}
		if err != nil {
			s.metrics.HandshakeFailed(metrics.ReasonResolveFailed)
			s.connectFailed(sess, fmt.Errorf("%w: %w", socks5.ErrHostUnreachable, err))
			return
		}
		s.startConnect(sess, netip.AddrPortFrom(ip, port))
	})
	if sess.State == domain.StateResolving {
		sess.CancelResolve = cancel
		s.updateInterest(sess)
	}
}

func (s *ProxyService) startConnect(sess *domain.Session, dst netip.AddrPort) {
	fd, inProgress, err := network.DialTCP(dst)
	if err != nil {
		s.connectFailed(sess, err)
		return
	}

	sess.Remote = network.NewFDSocket(fd)
	sess.State = domain.StateConnecting
	s.sessions[fd] = sess
	s.log.Debug("Initiating TCP connection", "conn", sess.ID, "remote", dst, "remote_fd", fd)

	if !inProgress {
		s.finalizeConnect(sess)
		return
	}
	s.updateInterest(sess)
}

func (s *ProxyService) finalizeConnect(sess *domain.Session) {
	fd := sess.Remote.FD()
	ok, err := network.Connected(fd)
	if err != nil {
		s.connectFailed(sess, err)
		return
	}
	if !ok {
		s.log.Debug("Connect still in progress", "conn", sess.ID, "remote_fd", fd)
		s.updateInterest(sess)
		return
	}
	bind, err := network.LocalAddr(fd)
	if err != nil {
		s.connectFailed(sess, err)
		return
	}

	s.log.Info("Connected to target", "conn", sess.ID, "target", sess.Target, "bind", bind)

	sess.ClientOut.Write(socks5.Reply(socks5.RepSuccess, bind))
	// Bytes the client pipelined behind its request go first.
	sess.RemoteOut.Write(sess.Inbound.Rest())
	sess.State = domain.StateRelaying
	s.metrics.Relaying()

	s.relay(sess)
}

// connectFailed answers the client with the reply code matching err and
// closes the session once that reply is flushed.
func (s *ProxyService) connectFailed(sess *domain.Session, err error) {
	rep := socks5.ReplyCode(err)
	s.metrics.ConnectFailed(rep)
	s.log.Warn("Connect failed", "conn", sess.ID, "target", sess.Target, "reply", rep, "error", err)

	if sess.Remote != nil {
		s.dropSocket(sess.Remote, &sess.RemoteInterest)
		sess.Remote = nil
	}
	s.replyAndClose(sess, socks5.Reply(rep, netip.AddrPort{}))
}
