package upstream

import (
	"fmt"
	"strings"
)

// TransportError means no response was received (dial, TLS, header timeout).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer. Body is truncated.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, body)
}

// ContentTypeError is a 2xx answer that is not an event stream.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("upstream returned %q instead of an event stream", e.ContentType)
}

// APIError is a 200 answer from the account endpoints carrying a non-zero code.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream api code %d", e.Code)
	}
	return fmt.Sprintf("upstream api code %d: %s", e.Code, e.Message)
}
