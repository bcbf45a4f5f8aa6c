// Package client implements the Client endpoint of spec §4.4: connect, send
// a delay, receive the incremented response, honoring cancellation and
// timeout at every blocking point.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/frame"
	"github.com/kstaniek/pipetrick-go/internal/logging"
	"github.com/kstaniek/pipetrick-go/internal/metrics"
	"github.com/kstaniek/pipetrick-go/internal/selfpipe"
	"github.com/kstaniek/pipetrick-go/internal/sockfd"
	"github.com/kstaniek/pipetrick-go/internal/waitset"
)

// DefaultTimeout is the per-wait budget applied when no timeout option is given.
const DefaultTimeout = 5 * time.Second

// DefaultStopWait bounds how long Stop blocks draining in-flight calls.
const DefaultStopWait = 2 * time.Second

// Client is a thread-safe endpoint: a single Client value may be shared by
// several goroutines each calling SendDelay concurrently (spec §3 Client
// state: in_flight is a counter, not a single in-progress flag).
type Client struct {
	mu       sync.Mutex
	cond     *sync.Cond
	timeout  time.Duration
	stopWait time.Duration
	cancel   *selfpipe.Pipe
	inFlight int
}

// Option configures a Client at construction.
type Option func(*Client)

// WithTimeout overrides the per-wait timeout (spec §3 `timeout`, default 5s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStopWait overrides MAX_STOP_WAIT (spec §3, default 2s).
func WithStopWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.stopWait = d
		}
	}
}

// New constructs an idle Client with its cancellation channel ready.
func New(opts ...Option) *Client {
	c := &Client{timeout: DefaultTimeout, stopWait: DefaultStopWait}
	c.cond = sync.NewCond(&c.mu)
	for _, o := range opts {
		o(c)
	}
	p, err := selfpipe.New()
	if err != nil {
		logging.L().Error("client_selfpipe_init_failed", "error", err)
		return c // cancel stays nil; SendDelay aborts immediately
	}
	c.cancel = p
	return c
}

// SendDelay implements spec §4.4 steps 1-8. On success it mutates *delayMs to
// the server's incremented reply and returns true; on any failure path
// *delayMs is left unchanged and false is returned.
func (c *Client) SendDelay(delayMs *int64, serverIP string, serverPort uint16) bool {
	fd, inProgress, err := sockfd.Connect(serverIP, serverPort)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrSocket, err)
		metrics.IncError(mapErrToMetric(wrap))
		logging.L().Warn("send_delay_connect_failed", "error", wrap)
		return false
	}

	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		sockfd.Close(fd)
		return false
	}
	c.inFlight++
	c.mu.Unlock()

	ok := c.sendDelayLocked(fd, inProgress, delayMs, serverIP, serverPort)

	c.mu.Lock()
	sockfd.Close(fd)
	c.inFlight--
	c.cond.Broadcast()
	c.mu.Unlock()

	if ok {
		metrics.IncRoundTrip()
	}
	return ok
}

func (c *Client) sendDelayLocked(fd int, inProgress bool, delayMs *int64, serverIP string, serverPort uint16) bool {
	cancelFD := c.cancel.ReadFD()

	if inProgress {
		to := c.timeout
		outcome, readReady, writeReady, err := waitset.Wait([]int{cancelFD}, []int{fd}, &to)
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnect, err)
			metrics.IncError(mapErrToMetric(wrap))
			return false
		}
		switch {
		case outcome == waitset.Timeout:
			metrics.IncTimedOut()
			return false
		case contains(readReady, cancelFD):
			metrics.IncCancelled()
			return false
		case contains(writeReady, fd):
			if cerr := sockfd.ConnectError(fd); cerr != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnect, cerr)
				metrics.IncError(mapErrToMetric(wrap))
				return false
			}
		default:
			return false
		}
	}

	buf, err := frame.Encode(*delayMs)
	if err != nil {
		logging.L().Warn("send_delay_encode_failed", "error", err)
		return false
	}
	if err := frame.WriteFrame(fd, buf); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		return false
	}

	to := c.timeout
	outcome, readReady, _, err := waitset.Wait([]int{cancelFD, fd}, nil, &to)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
		metrics.IncError(mapErrToMetric(wrap))
		return false
	}
	switch {
	case outcome == waitset.Timeout:
		metrics.IncTimedOut()
		return false
	case contains(readReady, cancelFD):
		metrics.IncCancelled()
		return false
	case contains(readReady, fd):
		// proceed to read below
	default:
		return false
	}

	reply, err := frame.ReadFrame(fd)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
		metrics.IncError(mapErrToMetric(wrap))
		return false
	}
	v, err := frame.Decode(reply)
	if err != nil {
		logging.L().Warn("send_delay_decode_failed", "error", err)
		return false
	}
	*delayMs = v
	return true
}

// Stop unblocks any in-flight SendDelay calls, bounded by MAX_STOP_WAIT.
// Idempotent and safe to call when never used (spec §3 invariant 4, §4.4 stop()).
func (c *Client) Stop() {
	start := time.Now()
	c.mu.Lock()
	if c.inFlight == 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel.Raise()
	}

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.inFlight != 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.stopWait):
		logging.L().Warn("client_stop_deadline_exceeded", "stop_wait", c.stopWait)
	}

	if c.cancel != nil {
		c.cancel.Drain()
	}
	metrics.ObserveStopDuration("client", time.Since(start).Seconds())
}

func contains(fds []int, fd int) bool {
	for _, v := range fds {
		if v == fd {
			return true
		}
	}
	return false
}
