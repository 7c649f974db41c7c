package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrImagesNotSupported is returned when images are sent to a chat-style backend.
var ErrImagesNotSupported = errors.New("images are only supported by generate-style backends")

// UnsupportedModelError rejects a model that is not in the registry. No upstream call was made.
type UnsupportedModelError struct {
	Model     string
	Supported []string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q, available: %s", e.Model, strings.Join(e.Supported, ", "))
}

// TimeoutError means the backend did not answer within the configured deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout (%ss exceeded)", strconv.FormatFloat(e.Timeout.Seconds(), 'f', -1, 64))
}

// UnreachableError wraps a transport failure: refused connection, DNS, reset.
type UnreachableError struct {
	Backend string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("backend %s unreachable: %v", e.Backend, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}
