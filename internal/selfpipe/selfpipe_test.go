package selfpipe

import (
	"testing"
	"time"

	"github.com/kstaniek/pipetrick-go/internal/waitset"
)

func TestRaiseObserveDrainReuse(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	to := 50 * time.Millisecond
	outcome, _, _, err := waitset.Wait([]int{p.ReadFD()}, nil, &to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != waitset.Timeout {
		t.Fatalf("expected Timeout before raise, got %v", outcome)
	}

	p.Raise()
	outcome, _, _, err = waitset.Wait([]int{p.ReadFD()}, nil, &to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != waitset.Ready {
		t.Fatalf("expected Ready after raise, got %v", outcome)
	}

	p.Drain()
	outcome, _, _, err = waitset.Wait([]int{p.ReadFD()}, nil, &to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != waitset.Timeout {
		t.Fatalf("expected Timeout after drain (reusable), got %v", outcome)
	}

	// A second raise/drain cycle must still work (monotonic-but-reusable).
	p.Raise()
	p.Raise() // idempotent
	p.Drain()
	outcome, _, _, _ = waitset.Wait([]int{p.ReadFD()}, nil, &to)
	if outcome != waitset.Timeout {
		t.Fatalf("expected Timeout after second drain, got %v", outcome)
	}
}

func TestRaiseAfterCloseIsNoop(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Raise() // must not panic or block
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}
