package llmstream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
	}

	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}

	for i, expected := range delays {
		if got := policy.Delay(i); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          5.0,
		Jitter:            false,
	}

	if got := policy.Delay(10); got != 5*time.Second {
		t.Errorf("expected 5s (capped), got %v", got)
	}
}

func TestRetryPolicyDelayJitterRange(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            true,
	}

	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Errorf("jittered delay out of range: %v", got)
		}
	}
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}
}

func TestRetryEventualSuccess(t *testing.T) {
	callCount := 0
	result, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", &ServerError{ProviderError: ProviderError{
				AdapterError: AdapterError{Message: "server error"}, Retryable: true,
			}}
		}
		return "success", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected %q, got %q", "success", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		callCount++
		return "", &AuthenticationError{}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryExhaustion(t *testing.T) {
	callCount := 0
	transient := &ServerError{ProviderError: ProviderError{
		AdapterError: AdapterError{Message: "still down"}, Retryable: true,
	}}
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (string, error) {
		callCount++
		return "", transient
	})
	if !errors.Is(err, transient) && err != transient {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	if callCount != 3 { // initial + 2 retries
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 10, BackoffMultiplier: 1, MaxDelay: 10}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return "", &ServerError{ProviderError: ProviderError{Retryable: true}}
	})

	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected *AbortError, got %T: %v", err, err)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	retryAfter := 0.005
	callCount := 0
	start := time.Now()
	_, err := Retry(context.Background(), fastPolicy(1), func(ctx context.Context) (string, error) {
		callCount++
		if callCount == 1 {
			return "", &RateLimitError{ProviderError: ProviderError{
				Retryable: true, RetryAfter: &retryAfter,
			}}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("expected at least the Retry-After delay, waited %v", elapsed)
	}
}

func TestRetryAfterExceedingMaxDelayFails(t *testing.T) {
	retryAfter := 120.0
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 1}
	callCount := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", &RateLimitError{ProviderError: ProviderError{Retryable: true, RetryAfter: &retryAfter}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected no retry when Retry-After exceeds MaxDelay, got %d calls", callCount)
	}
}
