package server

import (
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/client"
	"github.com/kstaniek/pipetrick-go/internal/sockfd"
)

func waitForCount(t *testing.T, srv *Server, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if srv.CurrentClientCount() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("current_client_count did not reach %d within %v (last=%d)", want, timeout, srv.CurrentClientCount())
}

// TestHappyPath mirrors spec §8 scenario 1: 30 concurrent clients each get
// delay+1 and the server drains back to zero.
func TestHappyPath(t *testing.T) {
	srv := New(30)
	if !srv.Start(0) {
		t.Fatalf("Start failed")
	}
	defer srv.Stop()
	port := listenerPort(t, srv)

	const n = 30
	var wg sync.WaitGroup
	results := make([]bool, n)
	values := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := client.New(client.WithTimeout(2 * time.Second))
			d := int64(200 + i)
			results[i] = c.SendDelay(&d, "127.0.0.1", port)
			values[i] = d
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if !results[i] {
			t.Fatalf("client %d: SendDelay failed", i)
		}
		if values[i] != int64(201+i) {
			t.Fatalf("client %d: expected %d got %d", i, 201+i, values[i])
		}
	}
	waitForCount(t, srv, 0, time.Second)
}

// TestAdmissionCap mirrors spec §8 scenario 2.
func TestAdmissionCap(t *testing.T) {
	srv := New(1)
	if !srv.Start(0) {
		t.Fatalf("Start failed")
	}
	defer srv.Stop()
	port := listenerPort(t, srv)

	c := client.New(client.WithTimeout(5*time.Second), client.WithStopWait(300*time.Millisecond))
	var d int64 = 90000
	done := make(chan bool, 1)
	go func() { done <- c.SendDelay(&d, "127.0.0.1", port) }()

	waitForCount(t, srv, 1, time.Second)

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("client Stop took too long: %v", elapsed)
	}

	waitForCount(t, srv, 0, 500*time.Millisecond)

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected SendDelay to fail after client Stop")
		}
	case <-time.After(time.Second):
		t.Fatalf("SendDelay did not return")
	}
}

// TestServerStopBoundedUnderLoad mirrors spec §8 scenario 3/4: many parked
// clients, server-only stop, total elapsed time well under MAX_STOP_WAIT+slack.
func TestServerStopBoundedUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk scenario skipped in -short mode")
	}
	const maxClients = 50
	srv := New(maxClients, WithStopWait(2*time.Second))
	if !srv.Start(0) {
		t.Fatalf("Start failed")
	}
	port := listenerPort(t, srv)

	const n = maxClients + 2
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := client.New(client.WithTimeout(30 * time.Second))
			d := int64(900000)
			results[i] = c.SendDelay(&d, "127.0.0.1", port)
		}(i)
	}

	waitForCount(t, srv, maxClients, 2*time.Second)

	start := time.Now()
	srv.Stop()
	elapsed := time.Since(start)
	if elapsed > 4*time.Second {
		t.Fatalf("Stop took too long: %v", elapsed)
	}

	wg.Wait()
	for i, ok := range results {
		if ok {
			t.Fatalf("client %d: expected SendDelay to fail after server stop", i)
		}
	}
}

// TestTwoServerMultiplex mirrors spec §8 scenario 6: one Client talks to two
// servers concurrently from two goroutines.
func TestTwoServerMultiplex(t *testing.T) {
	srv1 := New(5)
	if !srv1.Start(0) {
		t.Fatalf("Start srv1 failed")
	}
	defer srv1.Stop()
	port1 := listenerPort(t, srv1)

	srv2 := New(5)
	if !srv2.Start(0) {
		t.Fatalf("Start srv2 failed")
	}
	defer srv2.Stop()
	port2 := listenerPort(t, srv2)

	c := client.New(client.WithTimeout(2 * time.Second))
	var d1, d2 int64 = 50, 51
	var ok1, ok2 bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ok1 = c.SendDelay(&d1, "127.0.0.1", port1) }()
	go func() { defer wg.Done(); ok2 = c.SendDelay(&d2, "127.0.0.1", port2) }()
	wg.Wait()

	if !ok1 || !ok2 {
		t.Fatalf("expected both round trips to succeed: ok1=%v ok2=%v", ok1, ok2)
	}
	if d1 != 51 {
		t.Fatalf("expected 51, got %d", d1)
	}
	if d2 != 52 {
		t.Fatalf("expected 52, got %d", d2)
	}
}

func listenerPort(t *testing.T, srv *Server) uint16 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		fd := srv.listenFD
		srv.mu.Unlock()
		if fd >= 0 {
			p, err := sockfd.BoundPort(fd)
			if err == nil {
				return p
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("listener never became ready")
	return 0
}
