package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies model call failures for retry decisions.
type ErrorKind int

const (
	KindUnknown    ErrorKind = iota // unclassified
	KindConfig                      // missing credentials or provider setup
	KindAuth                        // 401, 403
	KindBadRequest                  // 400, malformed request
	KindRateLimit                   // 429
	KindTimeout                     // deadline exceeded
	KindServer                      // 5xx, overloaded
	KindNetwork                     // transport failure
)

// String returns a label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is transient.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimit || k == KindTimeout || k == KindServer || k == KindNetwork
}

// Error is a classified model call failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status and body to a kind.
func classifyStatus(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)
	switch {
	case statusCode == 429 || strings.Contains(lower, "rate limit"):
		return KindRateLimit
	case statusCode == 529 || strings.Contains(lower, "overloaded"):
		return KindServer
	case statusCode == 408 || strings.Contains(lower, "timed out"):
		return KindTimeout
	}

	switch statusCode {
	case 400, 404, 413, 422:
		return KindBadRequest
	case 401, 403:
		return KindAuth
	}
	if statusCode >= 500 {
		return KindServer
	}
	return KindUnknown
}

// Classify wraps err as an *Error, inferring the kind for errors that did
// not come from a provider adapter.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			kind = KindTimeout
		} else {
			kind = KindNetwork
		}
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}
