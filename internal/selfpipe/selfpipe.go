// Package selfpipe implements the cancellation channel of spec §4.3: a
// one-producer/many-consumer readable fd whose readiness means "cease
// waiting". It backs the Client's stop signal and the Server's stop signal;
// server handlers wait on it together with the peer socket, whose readability
// is their "peer closed early" observation.
package selfpipe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/pipetrick-go/internal/logging"
)

// Pipe is a non-blocking self-pipe. Every end has exactly one owner, closed
// exactly once (spec §3 invariant 5), mirroring the close-once discipline the
// teacher's AsyncTx used for its worker channel.
type Pipe struct {
	readFD, writeFD int
	mu              sync.Mutex
	closed          atomic.Bool
}

// New opens a fresh non-blocking self-pipe.
func New() (*Pipe, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("selfpipe: pipe2: %w", err)
	}
	return &Pipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// ReadFD returns the fd to include in any waitset.Wait read-set.
func (p *Pipe) ReadFD() int { return p.readFD }

// Raise writes one byte to the writable end. A prior un-drained byte is
// equally effective, so "would block" is treated as success; any other error
// is logged and swallowed, per spec §4.3 (raise is idempotent, never fatal).
func (p *Pipe) Raise() {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}
	_, err := unix.Write(p.writeFD, []byte{1})
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		logging.L().Warn("selfpipe_raise_error", "error", err)
	}
}

// Drain reads until the read end reports "would block", so the pipe can
// signal a fresh cancellation cycle later.
func (p *Pipe) Drain() {
	var b [64]byte
	for {
		n, err := unix.Read(p.readFD, b[:])
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
	}
}

// Close tears down both ends exactly once.
func (p *Pipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err1 := unix.Close(p.readFD)
	err2 := unix.Close(p.writeFD)
	if err1 != nil {
		return fmt.Errorf("selfpipe: close read end: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("selfpipe: close write end: %w", err2)
	}
	return nil
}
