package epoll

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

// LinuxEventLoop is a level-triggered epoll reactor. Stop may be called
// from any goroutine; everything else belongs to the goroutine in Run.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	log     *slog.Logger
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	l := &LinuxEventLoop{epollFD: fd, wakeFD: wfd, log: log}
	if err := l.Register(wfd, domain.EventRead); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: epollEvents(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: epollEvents(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run dispatches readiness events until Stop is called. Handler errors
// are logged and never end the loop.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			if fd == l.wakeFD {
				l.drainWake()
				return nil
			}

			var domainEv domain.EventType
			if evMask&unix.EPOLLIN != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}
			// Errors and hangups surface through the next read or write.
			if evMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				domainEv |= domain.EventRead | domain.EventWrite
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil {
				l.log.Error("Error handling event", "fd", fd, "error", err)
			}
		}
	}
}

// Stop wakes Run and makes it return.
func (l *LinuxEventLoop) Stop() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakeFD, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.log.Error("Failed to wake event loop", "error", err)
	}
}

// Close releases the epoll and wake descriptors. Call it after Run returns.
func (l *LinuxEventLoop) Close() error {
	return errors.Join(unix.Close(l.wakeFD), unix.Close(l.epollFD))
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

func epollEvents(events domain.EventType) uint32 {
	var ev uint32
	if events&domain.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}
