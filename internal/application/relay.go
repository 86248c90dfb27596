package application

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

// pipe is one direction of a relaying session.
type pipe struct {
	name      string
	src, dst  domain.Socket
	buf       *bytes.Buffer
	srcClosed *bool
	dstShut   *bool
	count     *int64
}

// relay pumps both directions of sess, then either tears it down or
// re-registers the readiness it still needs.
func (s *ProxyService) relay(sess *domain.Session) {
	up := pipe{
		name:      "client->remote",
		src:       sess.Client,
		dst:       sess.Remote,
		buf:       &sess.RemoteOut,
		srcClosed: &sess.ClientReadClosed,
		dstShut:   &sess.RemoteWriteShut,
		count:     &sess.BytesUp,
	}
	down := pipe{
		name:      "remote->client",
		src:       sess.Remote,
		dst:       sess.Client,
		buf:       &sess.ClientOut,
		srcClosed: &sess.RemoteReadClosed,
		dstShut:   &sess.ClientWriteShut,
		count:     &sess.BytesDown,
	}

	for _, p := range []*pipe{&up, &down} {
		if err := s.pump(p); err != nil {
			s.closeSession(sess, fmt.Sprintf("%s: %v", p.name, err))
			return
		}
	}

	if sess.Drained() {
		s.closeSession(sess, "both directions closed")
		return
	}
	s.updateInterest(sess)
}

// pump moves bytes from p.src to p.dst. It never lets p.buf grow past the
// high-water mark and shuts down p.dst's write side once p.src has hit EOF
// and everything before it was delivered.
func (s *ProxyService) pump(p *pipe) error {
	if err := flush(p.dst, p.buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if room := s.cfg.HighWaterMark - p.buf.Len(); !*p.srcClosed && room > 0 {
		n, err := p.src.Read(s.chunk[:min(room, len(s.chunk))])
		switch {
		case wouldBlock(err):
		case err != nil:
			return fmt.Errorf("read: %w", err)
		case n == 0:
			*p.srcClosed = true
		default:
			p.buf.Write(s.chunk[:n])
			*p.count += int64(n)
			s.log.Debug("Data transfer", "direction", p.name, "bytes", n, "pending", p.buf.Len())
			if err := flush(p.dst, p.buf); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}

	if *p.srcClosed && p.buf.Len() == 0 && !*p.dstShut {
		*p.dstShut = true
		if err := p.dst.CloseWrite(); err != nil && !errors.Is(err, unix.ENOTCONN) {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// flush writes as much of buf as dst accepts. Unwritten bytes stay in buf.
func flush(dst domain.Socket, buf *bytes.Buffer) error {
	for buf.Len() > 0 {
		n, err := dst.Write(buf.Bytes())
		if n > 0 {
			buf.Next(n)
		}
		if wouldBlock(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}
