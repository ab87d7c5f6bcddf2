package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// StatusError is a non-200 reply from a provider's HTTP API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, body)
}

// IsTransient reports whether a failed call is worth retrying: rate limits,
// overload, server errors, timeouts and dropped connections. Cancellation of
// the caller's own context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return transientStatus(se.StatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate_limit", "rate limit", "too many requests", "overloaded", "connection reset", "unexpected eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
