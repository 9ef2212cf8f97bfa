package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}

	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// Two more failures do not reach the threshold after the reset.
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	if err := b.Execute(ctx, succeeding); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("circuit should still be closed")
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open, got %v", err)
	}

	// After the cool-off a probe is allowed; success closes the circuit.
	now = now.Add(2 * time.Minute)
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

func TestBreaker_StateReporting(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	if got := b.State(); got != "closed" {
		t.Fatalf("state = %s, want closed", got)
	}

	_ = b.Execute(ctx, failing)
	if got := b.State(); got != "open" {
		t.Fatalf("state = %s, want open", got)
	}

	now = now.Add(2 * time.Minute)
	_ = b.Execute(ctx, succeeding)
	if got := b.State(); got != "closed" {
		t.Fatalf("state = %s, want closed after probe success", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	now = now.Add(2 * time.Minute)

	// Probe fails: straight back to open.
	if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom on probe, got %v", err)
	}
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}
