package llm

import (
	"context"
	"fmt"
	"time"
)

// retryPolicy governs repeated provider calls. A call is attempted
// maxAttempts+1 times total; the wait before retry n is baseDelay*n.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

func (p retryPolicy) normalized() retryPolicy {
	if p.maxAttempts < 0 {
		p.maxAttempts = 0
	}
	if p.baseDelay <= 0 {
		p.baseDelay = time.Second
	}
	return p
}

// withRetry runs fn until it succeeds or the attempt budget is spent,
// returning how many tries were made. When events is non-nil a retry
// event is emitted before each wait, so streaming callers can show
// progress; non-streaming callers pass nil and retry silently. The
// context cancels both the in-flight call and any pending wait.
func withRetry(ctx context.Context, provider string, policy retryPolicy, events chan<- Event, fn func(ctx context.Context) error) (int, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt <= policy.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := policy.baseDelay * time.Duration(attempt)
			if events != nil {
				events <- Event{
					Type:             EventRetry,
					RetryAttempt:     attempt,
					RetryMaxAttempts: policy.maxAttempts,
					RetryWaitSecs:    wait.Seconds(),
					Text:             fmt.Sprintf("provider call failed, retrying in %s (attempt %d/%d)", wait, attempt, policy.maxAttempts),
				}
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}
	}

	return policy.maxAttempts + 1, &ProviderCallError{
		Provider: provider,
		Attempts: policy.maxAttempts + 1,
		Err:      lastErr,
	}
}
