package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryDo_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	got, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{StatusCode: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryDo() error = %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestRetryDo_NonRetryableStops(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		return "", &HTTPError{StatusCode: 401, Body: "bad key"}
	})
	if err == nil {
		t.Fatal("RetryDo() = nil error")
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1 for non-retryable status", calls)
	}
}

func TestRetryDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("network down")
	_, err := RetryDo(context.Background(), fastRetry(), func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RetryDo() error = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("called %d times, want 3", calls)
	}
}

func TestRetryDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, fastRetry(), func() (int, error) {
		return 0, &HTTPError{StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RetryDo() error = %v, want context.Canceled", err)
	}
}
