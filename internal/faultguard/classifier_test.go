package faultguard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"content filter", errors.New("Output blocked by content filtering policy"), KindContentFilter},
		{"rate limit", errors.New("API rate limit exceeded"), KindRateLimit},
		{"rate limit beats 503", errors.New("503: rate limit"), KindRateLimit},
		{"unauthorized", errors.New("Unauthorized"), KindAuth},
		{"403", errors.New("HTTP 403 Forbidden"), KindAuth},
		{"authentication", errors.New("authentication failed"), KindAuth},
		{"timeout", errors.New("request timeout after 30s"), KindTimeout},
		{"timed out", errors.New("operation timed out"), KindTimeout},
		{"connection", errors.New("connection reset by peer"), KindConnection},
		{"network", errors.New("network unreachable"), KindConnection},
		{"502", errors.New("502 Bad Gateway"), KindServerError},
		{"unknown", errors.New("something odd"), KindUnknown},
		{"engine init sentinel", fmt.Errorf("start: %w", tmerrors.ErrEngineInit), KindEngineInit},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"open circuit", &OpenError{Name: "x"}, KindCircuitOpen},
		{"typed timeout", tmerrors.NewTimeoutError("poll", 0), KindTimeout},
		{"host 401", tmerrors.NewHostError("get status failed", nil).WithStatusCode(401), KindAuth},
		{"host 429", tmerrors.NewHostError("x", nil).WithStatusCode(429), KindRateLimit},
		{"host 502", fmt.Errorf("poll: %w", tmerrors.NewHostError("x", nil).WithStatusCode(502)), KindServerError},
		{"host 404", tmerrors.NewHostError("get status failed", nil).WithStatusCode(404), KindRejected},
		{"host 422 despite wording", tmerrors.NewHostError("connection to review api", nil).WithStatusCode(422), KindRejected},
	}

	c := DefaultClassifier{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindPolicy(t *testing.T) {
	fatal := []Kind{KindAuth, KindContentFilter, KindEngineInit}
	for _, k := range fatal {
		if !k.Fatal() || k.Retryable() {
			t.Errorf("%s should be fatal and not retryable", k)
		}
	}
	retryable := []Kind{KindRateLimit, KindTimeout, KindConnection, KindServerError, KindUnknown}
	for _, k := range retryable {
		if k.Fatal() || !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	if KindCanceled.Retryable() || KindCircuitOpen.Retryable() || KindRejected.Retryable() || KindRejected.Fatal() {
		t.Error("canceled, circuit open and rejected are returned as is")
	}
}
