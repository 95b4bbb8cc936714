package llmstream

import (
	"errors"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{413, false},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{599, true}, // unknown codes default to retryable
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", nil)
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"malformed response", &MalformedResponseError{}, false},
		{"abort", &AbortError{}, false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestAdapterErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &NetworkError{AdapterError: AdapterError{Message: "dial failed", Cause: cause}}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if err.Error() != "dial failed: connection refused" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := ErrorFromStatusCode(429, "slow down", "anthropic", nil)
	rl, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rl.Provider != "anthropic" || rl.StatusCode != 429 {
		t.Errorf("unexpected fields: %+v", rl.ProviderError)
	}
}
