package faultguard

import (
	"context"
	"strings"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

// Kind is the retry class of an error.
type Kind int

// Error kinds, in classification priority order for the message heuristic.
const (
	KindUnknown Kind = iota
	KindContentFilter
	KindRateLimit
	KindAuth
	KindTimeout
	KindConnection
	KindServerError
	KindEngineInit
	KindCircuitOpen
	KindCanceled
	KindRejected
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindContentFilter: "content_filter",
	KindRateLimit:     "rate_limit",
	KindAuth:          "auth",
	KindTimeout:       "timeout",
	KindConnection:    "connection",
	KindServerError:   "server_error",
	KindEngineInit:    "engine_init",
	KindCircuitOpen:   "circuit_open",
	KindCanceled:      "canceled",
	KindRejected:      "rejected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Fatal reports whether errors of this kind must never be retried.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuth, KindContentFilter, KindEngineInit:
		return true
	}
	return false
}

// Retryable reports whether the guard retries errors of this kind. Unknown
// errors are retried up to the consecutive failure cap.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindConnection, KindServerError, KindUnknown:
		return true
	}
	return false
}

// Classifier maps an error to a Kind.
type Classifier interface {
	Classify(err error) Kind
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Kind

// Classify calls f.
func (f ClassifierFunc) Classify(err error) Kind { return f(err) }

// DefaultClassifier inspects typed errors first and falls back to matching
// substrings of the error message. The heuristic is best effort: the engine
// and host do not guarantee their message wording.
type DefaultClassifier struct{}

// Classify implements Classifier.
func (DefaultClassifier) Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case tmerrors.Is(err, context.Canceled):
		return KindCanceled
	case tmerrors.Is(err, tmerrors.ErrEngineInit):
		return KindEngineInit
	case tmerrors.Is(err, tmerrors.ErrCircuitOpen):
		return KindCircuitOpen
	case tmerrors.Is(err, context.DeadlineExceeded), tmerrors.Is(err, tmerrors.ErrTimeout):
		return KindTimeout
	}

	var he *tmerrors.HostError
	if tmerrors.As(err, &he) && he.StatusCode != 0 {
		switch code := he.StatusCode; {
		case code == 401 || code == 403:
			return KindAuth
		case code == 429:
			return KindRateLimit
		case code >= 500:
			return KindServerError
		case !he.IsRetryable():
			return KindRejected
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "content_filter"):
		return KindContentFilter
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return KindRateLimit
	case containsAny(msg, "auth", "unauthorized", "401", "403"):
		return KindAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case containsAny(msg, "connect", "connection", "network"):
		return KindConnection
	case containsAny(msg, "500", "502", "503", "504"):
		return KindServerError
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
