package client

import (
	"net"
	"testing"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/frame"
)

// echoPlusOneServer accepts exactly one connection, reads a frame, writes
// back the decoded value + 1, and closes.
func echoPlusOneServer(t *testing.T) (addr string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf [frame.Size]byte
		if _, err := readFull(conn, buf[:]); err != nil {
			return
		}
		v, err := frame.Decode(buf)
		if err != nil {
			return
		}
		out, err := frame.Encode(v + 1)
		if err != nil {
			return
		}
		_, _ = conn.Write(out[:])
	}()
	t.Cleanup(func() { ln.Close() })
	return "127.0.0.1", uint16(tcpAddr.Port)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		n, err := conn.Read(buf[off:])
		if err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}

func TestSendDelayRoundTrip(t *testing.T) {
	ip, port := echoPlusOneServer(t)
	c := New(WithTimeout(time.Second))
	var d int64 = 200
	if ok := c.SendDelay(&d, ip, port); !ok {
		t.Fatalf("expected SendDelay to succeed")
	}
	if d != 201 {
		t.Fatalf("expected 201, got %d", d)
	}
}

func TestSendDelayConnectFailure(t *testing.T) {
	c := New(WithTimeout(100 * time.Millisecond))
	var d int64 = 5
	// Port 1 on loopback should refuse immediately (nothing listening).
	if ok := c.SendDelay(&d, "127.0.0.1", 1); ok {
		t.Fatalf("expected SendDelay to fail against a closed port")
	}
	if d != 5 {
		t.Fatalf("delay must be unchanged on failure, got %d", d)
	}
}

func TestSendDelayTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(accepted)
		<-time.After(time.Second) // never replies
		conn.Close()
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)

	c := New(WithTimeout(60 * time.Millisecond))
	var d int64 = 10
	start := time.Now()
	ok := c.SendDelay(&d, "127.0.0.1", uint16(tcpAddr.Port))
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("expected SendDelay to time out")
	}
	if d != 10 {
		t.Fatalf("delay must be unchanged on timeout, got %d", d)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	<-accepted
}

func TestStopUnblocksInFlightCall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-time.After(5 * time.Second) // never replies
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)

	c := New(WithTimeout(10*time.Second), WithStopWait(300*time.Millisecond))
	var d int64 = 90000
	resultCh := make(chan bool, 1)
	go func() { resultCh <- c.SendDelay(&d, "127.0.0.1", uint16(tcpAddr.Port)) }()

	time.Sleep(30 * time.Millisecond) // let SendDelay register in_flight
	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop took too long: %v", elapsed)
	}

	select {
	case ok := <-resultCh:
		if ok {
			t.Fatalf("expected SendDelay to return false after Stop")
		}
	case <-time.After(time.Second):
		t.Fatalf("SendDelay did not return after Stop")
	}
}

func TestStopIdempotentWhenNeverUsed(t *testing.T) {
	c := New()
	c.Stop()
	c.Stop() // must not block or panic
}
