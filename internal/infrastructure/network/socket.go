package network

import (
	"golang.org/x/sys/unix"
)

// FDSocket is a connected non-blocking TCP socket.
type FDSocket struct {
	fd int
}

func NewFDSocket(fd int) *FDSocket { return &FDSocket{fd: fd} }

func (s *FDSocket) FD() int { return s.fd }

func (s *FDSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Write never raises SIGPIPE; a closed peer surfaces as EPIPE.
func (s *FDSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (s *FDSocket) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *FDSocket) Close() error {
	return unix.Close(s.fd)
}
