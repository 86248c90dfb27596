package domain

import "net/netip"

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Socket is a non-blocking stream endpoint. Read and Write return
// unix.EAGAIN when they would block; Read returns 0, nil on EOF.
type Socket interface {
	FD() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

// Resolver maps a host name to an address. done is always called on the
// reactor goroutine, possibly before Resolve returns. cancel drops a
// pending lookup so done is never called.
type Resolver interface {
	Resolve(host string, done func(netip.Addr, error)) (cancel func())
}

// FDOwner is implemented by collaborators that keep their own descriptors
// in the event loop, such as the DNS resolver.
type FDOwner interface {
	EventHandler
	Owns(fd int) bool
}
