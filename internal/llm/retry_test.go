package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	events := make(chan Event, 16)
	calls := 0
	boom := errors.New("boom")

	attempts, err := withRetry(context.Background(), "fake",
		retryPolicy{maxAttempts: 3, baseDelay: time.Millisecond}, events,
		func(ctx context.Context) error {
			calls++
			return boom
		})

	if calls != 4 {
		t.Errorf("calls = %d, want maxAttempts+1 = 4", calls)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	var pce *ProviderCallError
	if !errors.As(err, &pce) {
		t.Fatalf("err = %v, want ProviderCallError", err)
	}
	if pce.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", pce.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Error("last error not wrapped")
	}

	close(events)
	var retries []Event
	for e := range events {
		if e.Type == EventRetry {
			retries = append(retries, e)
		}
	}
	if len(retries) != 3 {
		t.Fatalf("retry events = %d, want 3", len(retries))
	}
	for i, e := range retries {
		if e.RetryAttempt != i+1 || e.RetryMaxAttempts != 3 {
			t.Errorf("retry[%d] = attempt %d/%d, want %d/3", i, e.RetryAttempt, e.RetryMaxAttempts, i+1)
		}
	}
}

func TestWithRetry_SucceedsAfterFailure(t *testing.T) {
	calls := 0
	attempts, err := withRetry(context.Background(), "fake",
		retryPolicy{maxAttempts: 3, baseDelay: time.Millisecond}, nil,
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("err = %v, want nil after recovery", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetry_CancelAbandonsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		_, err := withRetry(ctx, "fake",
			retryPolicy{maxAttempts: 3, baseDelay: time.Hour}, nil,
			func(ctx context.Context) error {
				calls++
				return errors.New("fail")
			})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry kept waiting after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}
