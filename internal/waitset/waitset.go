// Package waitset implements the multiplexed-wait primitive (spec §4.2):
// wait on a set of readable fds plus an optional set of writable fds, with
// an optional timeout, and report which outcome fired. Every cancellable
// blocking point in this module (client connect/read/write, server accept,
// the handler's interruptible sleep) goes through Wait so the cancellation
// fd can always be folded into the same syscall.
package waitset

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Outcome classifies why Wait returned.
type Outcome int

const (
	Timeout Outcome = iota
	Ready
	Error
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// Wait blocks until one of readFds becomes readable, one of writeFds becomes
// writable, timeout elapses, or an unrecoverable error occurs. A nil timeout
// blocks indefinitely. Signal interruption (EINTR) is retried transparently,
// re-arming the remaining deadline each time.
//
// readReady and writeReady are populated only when the outcome is Ready; they
// are subsets of readFds/writeFds in call order.
func Wait(readFds, writeFds []int, timeout *time.Duration) (outcome Outcome, readReady, writeReady []int, err error) {
	if len(readFds) == 0 && len(writeFds) == 0 && timeout == nil {
		return Error, nil, nil, fmt.Errorf("waitset: empty fd sets and no timeout is ill-formed")
	}

	deadline := time.Time{}
	if timeout != nil {
		deadline = time.Now().Add(*timeout)
	}

	for {
		var rset, wset unix.FdSet
		maxFd := 0
		for _, fd := range readFds {
			fdSet(&rset, fd)
			if fd > maxFd {
				maxFd = fd
			}
		}
		for _, fd := range writeFds {
			fdSet(&wset, fd)
			if fd > maxFd {
				maxFd = fd
			}
		}

		var tv *unix.Timeval
		if timeout != nil {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			t := unix.NsecToTimeval(remaining.Nanoseconds())
			tv = &t
		}

		n, serr := unix.Select(maxFd+1, &rset, &wset, nil, tv)
		if serr != nil {
			if serr == unix.EINTR {
				if timeout != nil && !time.Now().Before(deadline) {
					return Timeout, nil, nil, nil
				}
				continue
			}
			return Error, nil, nil, fmt.Errorf("waitset: select: %w", serr)
		}
		if n == 0 {
			return Timeout, nil, nil, nil
		}
		for _, fd := range readFds {
			if fdIsSet(&rset, fd) {
				readReady = append(readReady, fd)
			}
		}
		for _, fd := range writeFds {
			if fdIsSet(&wset, fd) {
				writeReady = append(writeReady, fd)
			}
		}
		return Ready, readReady, writeReady, nil
	}
}

// fdSet/fdIsSet assume a 64-bit word FdSet (true on linux/amd64, linux/arm64).
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
