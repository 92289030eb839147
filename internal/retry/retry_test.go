package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Config{MaxRetries: 3}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("temporary failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		want       int
	}{
		{name: "no retries", maxRetries: 0, want: 1},
		{name: "three retries", maxRetries: 3, want: 4},
		{name: "five retries", maxRetries: 5, want: 6},
		{name: "negative treated as zero", maxRetries: -1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := Do(context.Background(), Config{MaxRetries: tt.maxRetries}, func(int) error {
				calls++
				return errors.New("boom")
			})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if attempts != tt.want || calls != tt.want {
				t.Errorf("attempts = %d, calls = %d, want %d", attempts, calls, tt.want)
			}
		})
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{MaxRetries: 5}, func(int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialDelay: time.Hour, BackoffMultiplier: 2}
	calls := 0
	_, err := Do(ctx, cfg, func(int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelayBackoffIsCapped(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := cfg.Delay(0); got != 0 {
		t.Errorf("Delay(0) = %v, want 0", got)
	}
}

func TestDelayJitterStaysWithinTenPercent(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, BackoffMultiplier: 1, Jitter: true}
	for i := 0; i < 50; i++ {
		d := cfg.Delay(1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("Delay with jitter = %v, outside +/-10%%", d)
		}
	}
}
