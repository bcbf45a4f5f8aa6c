// Package server implements the Server acceptor and per-connection handler
// of spec §4.5-§4.7: bounded concurrent TCP admission, an interruptible
// per-handler sleep standing in for time.Sleep, and a bounded-deadline stop.
package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/frame"
	"github.com/kstaniek/pipetrick-go/internal/logging"
	"github.com/kstaniek/pipetrick-go/internal/metrics"
	"github.com/kstaniek/pipetrick-go/internal/selfpipe"
	"github.com/kstaniek/pipetrick-go/internal/sockfd"
	"github.com/kstaniek/pipetrick-go/internal/waitset"
	"golang.org/x/sys/unix"
)

// DefaultStopWait bounds how long Stop blocks draining the acceptor and
// in-flight handlers (MAX_STOP_WAIT, spec §3).
const DefaultStopWait = 2 * time.Second

const minBacklog = 512

// Server owns the listening socket and coordinates accept/admission/handler
// lifecycle (spec §3 Server state).
type Server struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxClients     int
	currentClients int
	quitSignal     bool
	acceptorAlive  bool
	stopped        bool

	listenFD int
	cancel   *selfpipe.Pipe
	stopWait time.Duration
	logger   *slog.Logger

	handlerWG sync.WaitGroup
}

// Option configures a Server at construction.
type Option func(*Server)

// WithStopWait overrides MAX_STOP_WAIT (default 2s).
func WithStopWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopWait = d
		}
	}
}

// WithLogger overrides the server's logger (defaults to logging.L()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Server admitting at most maxClients concurrent handlers.
func New(maxClients int, opts ...Option) *Server {
	s := &Server{
		maxClients: maxClients,
		stopWait:   DefaultStopWait,
		listenFD:   -1,
		logger:     logging.L(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the listener, initializes the cancellation channel, and spawns
// the acceptor goroutine, per spec §4.5 start().
func (s *Server) Start(port uint16) bool {
	backlog := minBacklog
	if s.maxClients > backlog {
		backlog = s.maxClients
	}
	fd, err := sockfd.Listener(port, backlog)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.logger.Error("server_start_failed", "error", wrap)
		return false
	}
	cp, err := selfpipe.New()
	if err != nil {
		sockfd.Close(fd)
		s.logger.Error("server_selfpipe_init_failed", "error", err)
		return false
	}

	s.mu.Lock()
	s.listenFD = fd
	s.cancel = cp
	s.acceptorAlive = true
	s.quitSignal = false
	s.mu.Unlock()

	s.logger.Info("server_listen", "port", port)
	go s.acceptLoop()
	return true
}

// CurrentClientCount returns the number of admitted, in-flight handlers.
func (s *Server) CurrentClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentClients
}

// Stop raises the cancellation channel, waits for the acceptor to drain
// (bounded by MAX_STOP_WAIT), and releases the listening socket. Idempotent
// and safe to call when never started (spec §3 invariant 4, §4.5 stop()).
func (s *Server) Stop() {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.quitSignal = true
	cp := s.cancel
	acceptorWasAlive := s.acceptorAlive
	s.mu.Unlock()

	if cp != nil {
		cp.Raise()
	}
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()

	var drained bool
	if acceptorWasAlive {
		// Normal path: the acceptor itself drains handlers to zero before
		// marking itself dead (end of acceptLoop), so waiting for that also
		// waits for every handler.
		drained = s.waitCondBounded(s.stopWait, func() bool { return !s.acceptorAlive })
	} else {
		// The acceptor already exited on its own (e.g. a fatal accept
		// error) or Start was never called; still drain any handlers that
		// may still be running.
		drained = s.waitCondBounded(s.stopWait, func() bool { return s.currentClients == 0 })
	}
	if !drained {
		s.logger.Warn("server_stop_deadline_exceeded", "stop_wait", s.stopWait)
	}

	s.mu.Lock()
	fd := s.listenFD
	s.listenFD = -1
	s.mu.Unlock()
	if fd >= 0 {
		sockfd.Close(fd)
	}
	if cp != nil {
		cp.Close()
	}
	metrics.ObserveStopDuration("server", time.Since(start).Seconds())
}

// waitCondBounded blocks until predicate holds (re-checked under s.mu on
// every wakeup) or timeout elapses, without holding s.mu across the wait.
func (s *Server) waitCondBounded(timeout time.Duration, predicate func() bool) bool {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !predicate() {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// acceptLoop is spec §4.6.
func (s *Server) acceptLoop() {
	s.mu.Lock()
	listenFD := s.listenFD
	cancelFD := s.cancel.ReadFD()
	s.mu.Unlock()

	for {
		outcome, readReady, _, err := waitset.Wait([]int{listenFD, cancelFD}, nil, nil)
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.logger.Error("accept_wait_error", "error", wrap)
			break
		}
		if outcome != waitset.Ready {
			continue
		}
		if contains(readReady, cancelFD) {
			break
		}
		if !contains(readReady, listenFD) {
			continue
		}

		fd, err := sockfd.Accept(listenFD)
		if err != nil {
			if err == unix.EMFILE {
				metrics.IncEMFILE()
				s.logger.Warn("accept_emfile")
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.logger.Error("accept_failed", "error", wrap)
			break
		}
		metrics.IncAccepted()

		s.mu.Lock()
		for s.currentClients >= s.maxClients && !s.quitSignal {
			s.cond.Wait()
		}
		if s.quitSignal {
			s.mu.Unlock()
			sockfd.Close(fd)
			break
		}
		s.currentClients++
		metrics.SetCurrentClients(s.currentClients)
		s.mu.Unlock()
		metrics.IncAdmitted()

		s.handlerWG.Add(1)
		go s.handle(fd)
	}

	if s.cancel != nil {
		s.cancel.Raise() // idempotent self-kick so a peer stop() is never required
	}
	s.waitCondBounded(s.stopWait, func() bool { return s.currentClients == 0 })

	s.mu.Lock()
	s.acceptorAlive = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// handle is spec §4.7: per-connection request/sleep/response, honoring
// cancellation at every blocking point.
func (s *Server) handle(fd int) {
	defer s.handlerWG.Done()
	defer s.closeAndNotify(fd)

	cancelFD := s.cancel.ReadFD()

	outcome, readReady, _, err := waitset.Wait([]int{fd, cancelFD}, nil, nil)
	if err != nil || outcome != waitset.Ready {
		return
	}
	if contains(readReady, cancelFD) {
		metrics.IncCancelled()
		return
	}
	if !contains(readReady, fd) {
		return
	}

	buf, err := frame.ReadFrame(fd)
	if err != nil {
		return
	}
	sleepMs, err := frame.Decode(buf)
	if err != nil {
		return
	}

	// Interruptible timed wait standing in for a cancellable time.Sleep: any
	// of {peer close, cancellation, expiry} breaks it (spec §4.7 step 3).
	to := time.Duration(sleepMs) * time.Millisecond
	outcome, readReady, _, err = waitset.Wait([]int{fd, cancelFD}, nil, &to)
	switch {
	case err != nil:
		return
	case outcome == waitset.Timeout:
		// slept the full duration; proceed to reply
	case contains(readReady, cancelFD):
		metrics.IncCancelled()
		return
	case contains(readReady, fd):
		// peer closed or sent data during the wait; do not reply
		return
	default:
		return
	}

	outcome, readReady, writeReady, err := waitset.Wait([]int{cancelFD}, []int{fd}, nil)
	if err != nil || outcome != waitset.Ready {
		return
	}
	if contains(readReady, cancelFD) {
		metrics.IncCancelled()
		return
	}
	if !contains(writeReady, fd) {
		return
	}

	resp, err := frame.Encode(sleepMs + 1)
	if err != nil {
		return
	}
	_ = frame.WriteFrame(fd, resp)
}

// closeAndNotify is the canonical handler exit step of spec §4.7 step 7 /
// glossary "Close-and-notify": close the owned socket, decrement the
// counter, broadcast the condition variable, all in one critical section.
func (s *Server) closeAndNotify(fd int) {
	s.mu.Lock()
	sockfd.Close(fd)
	s.currentClients--
	metrics.SetCurrentClients(s.currentClients)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func contains(fds []int, fd int) bool {
	for _, v := range fds {
		if v == fd {
			return true
		}
	}
	return false
}
