package google

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAdaptiveLimiter_BackoffHalvesRate(t *testing.T) {
	l := NewAdaptiveLimiter(4, time.Hour)

	if got := l.Limit(); got != rate.Limit(4) {
		t.Fatalf("initial limit = %v, want 4", got)
	}

	l.Backoff()
	if got := l.Limit(); got != rate.Limit(2) {
		t.Errorf("limit after one backoff = %v, want 2", got)
	}

	l.Backoff()
	if got := l.Limit(); got != rate.Limit(1) {
		t.Errorf("limit after two backoffs = %v, want 1", got)
	}
}

func TestAdaptiveLimiter_PenaltyIsCapped(t *testing.T) {
	l := NewAdaptiveLimiter(4, time.Hour)

	for i := 0; i < 20; i++ {
		l.Backoff()
	}

	want := rate.Limit(4)
	for i := 0; i < maxPenaltyLevel; i++ {
		want /= 2
	}
	if got := l.Limit(); got != want {
		t.Errorf("limit after many backoffs = %v, want cap %v", got, want)
	}
}

func TestAdaptiveLimiter_RecoversToBaseRate(t *testing.T) {
	// Zero recovery interval: the next permitted call restores the base
	// rate as soon as the provider stops rejecting.
	l := NewAdaptiveLimiter(100, 0)

	l.Backoff()
	l.Backoff()
	l.Backoff()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if got := l.Limit(); got != rate.Limit(100) {
		t.Errorf("limit after recovery = %v, want base 100", got)
	}
}

func TestAdaptiveLimiter_PartialRecoverySteps(t *testing.T) {
	l := NewAdaptiveLimiter(8, time.Hour)

	l.Backoff()
	l.Backoff() // level 2, limit 2

	// One recovery interval elapsed: exactly one level back.
	l.maybeRecover(time.Now().Add(time.Hour))
	if got := l.Limit(); got != rate.Limit(4) {
		t.Errorf("limit after one recovery step = %v, want 4", got)
	}

	// Two more intervals: fully recovered, and never above base.
	l.maybeRecover(time.Now().Add(3 * time.Hour))
	if got := l.Limit(); got != rate.Limit(8) {
		t.Errorf("limit after full recovery = %v, want base 8", got)
	}
}
