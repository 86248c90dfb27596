package network

import (
	"time"

	"golang.org/x/sys/unix"
)

// NewTimer creates a disarmed, non-blocking monotonic timerfd.
func NewTimer() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
}

// ArmTimer makes fd readable once after d. A zero d disarms it.
func ArmTimer(fd int, d time.Duration) error {
	var spec unix.ItimerSpec
	if d > 0 {
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
	}
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}

// DrainTimer consumes the expiration count so a level-triggered loop
// stops reporting fd.
func DrainTimer(fd int) {
	var b [8]byte
	_, _ = unix.Read(fd, b[:])
}
