package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{500, KindServer},
		{503, KindServer},
		{400, KindClient},
		{404, KindClient},
		{409, KindClient},
		{200, KindUnknown},
		{302, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := Classify(tt.status); got != tt.want {
				t.Errorf("Classify(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindServer, true},
		{KindNetwork, true},
		{KindClient, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.want {
				t.Errorf("%q.Retryable() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestError_MessageContainsStatus(t *testing.T) {
	err := &Error{
		Kind:       KindRateLimited,
		StatusCode: 429,
		Op:         "create polyanet",
		Message:    "429 Too Many Requests",
	}

	msg := err.Error()
	if !strings.Contains(msg, "status 429") {
		t.Errorf("Error() = %q, want it to contain %q", msg, "status 429")
	}
	if !strings.Contains(msg, "create polyanet") {
		t.Errorf("Error() = %q, want it to contain the op", msg)
	}
}

func TestIsRateLimited_Wrapped(t *testing.T) {
	base := &Error{Kind: KindRateLimited, StatusCode: 429}
	wrapped := fmt.Errorf("task 3: %w", base)

	if !IsRateLimited(wrapped) {
		t.Error("IsRateLimited should see through wrapping")
	}
	if IsRateLimited(errors.New("429")) {
		t.Error("plain errors must not be classified by message")
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Error("KindOf(plain error) should be unknown")
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &Error{Kind: KindNetwork, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped transport error")
	}
}

func TestRetryAfterHint(t *testing.T) {
	withHint := &Error{Kind: KindRateLimited, RetryAfter: 5 * time.Second, HasRetryAfter: true}
	if d, ok := RetryAfterHint(withHint); !ok || d != 5*time.Second {
		t.Errorf("RetryAfterHint() = %v, %v; want 5s, true", d, ok)
	}

	noHint := &Error{Kind: KindRateLimited}
	if _, ok := RetryAfterHint(noHint); ok {
		t.Error("RetryAfterHint() should report no hint")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		value   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", value: "5", want: 5 * time.Second},
		{name: "zero seconds", value: "0", want: 0},
		{name: "padded seconds", value: " 12 ", want: 12 * time.Second},
		{name: "http date in future", value: now.Add(30 * time.Second).Format(http.TimeFormat), want: 30 * time.Second},
		{name: "http date in past", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "negative seconds", value: "-3", wantErr: true},
		{name: "seconds overflowing a duration", value: "9999999999", wantErr: true},
		{name: "largest representable seconds", value: "9223372036", want: 9223372036 * time.Second},
		{name: "garbage", value: "soon", wantErr: true},
		{name: "empty", value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRetryAfter(tt.value, now)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRetryAfter) {
					t.Errorf("ParseRetryAfter(%q) error = %v, want ErrInvalidRetryAfter", tt.value, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRetryAfter(%q) unexpected error: %v", tt.value, err)
			}
			if got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
