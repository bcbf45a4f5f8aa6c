package waitset

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func pipeFds(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWaitTimeout(t *testing.T) {
	r, _ := pipeFds(t)
	to := 30 * time.Millisecond
	start := time.Now()
	outcome, _, _, err := Wait([]int{r}, nil, &to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Timeout {
		t.Fatalf("expected Timeout, got %v", outcome)
	}
	if elapsed := time.Since(start); elapsed < to {
		t.Fatalf("returned before deadline: %v < %v", elapsed, to)
	}
}

func TestWaitReadReady(t *testing.T) {
	r, w := pipeFds(t)
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	to := time.Second
	outcome, readReady, _, err := Wait([]int{r}, nil, &to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Ready {
		t.Fatalf("expected Ready, got %v", outcome)
	}
	if len(readReady) != 1 || readReady[0] != r {
		t.Fatalf("expected [%d] ready, got %v", r, readReady)
	}
}

func TestWaitWriteReady(t *testing.T) {
	_, w := pipeFds(t)
	to := time.Second
	outcome, _, writeReady, err := Wait(nil, []int{w}, &to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Ready {
		t.Fatalf("expected Ready, got %v", outcome)
	}
	if len(writeReady) != 1 || writeReady[0] != w {
		t.Fatalf("expected [%d] ready, got %v", w, writeReady)
	}
}

func TestWaitIllFormed(t *testing.T) {
	outcome, _, _, err := Wait(nil, nil, nil)
	if err == nil || outcome != Error {
		t.Fatalf("expected Error outcome with error, got outcome=%v err=%v", outcome, err)
	}
}

func TestWaitBlocksIndefinitelyUntilReady(t *testing.T) {
	r, w := pipeFds(t)
	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = unix.Write(w, []byte{9})
	}()
	go func() {
		outcome, _, _, err := Wait([]int{r}, nil, nil)
		if err != nil || outcome != Ready {
			t.Errorf("unexpected result: outcome=%v err=%v", outcome, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after fd became readable")
	}
}
