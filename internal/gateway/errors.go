package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMalformedEvent is returned when a webhook envelope cannot be parsed.
var ErrMalformedEvent = errors.New("malformed gateway event")

// ErrUnsupportedChat marks routing ids that do not belong to a one-to-one
// conversation (groups, broadcasts, newsletters).
var ErrUnsupportedChat = errors.New("unsupported chat")

// Error is a failed gateway call. Err is set for transport failures,
// StatusCode and Body for error responses.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s error: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the call later may succeed.
func (e *Error) Transient() bool {
	if e.Err != nil {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsTransient reports whether err is a transient gateway failure.
func IsTransient(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Transient()
}

// IsNotFound reports whether the gateway answered 404, e.g. for an unknown instance.
func IsNotFound(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the gateway rejected the API key.
func IsUnauthorized(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusUnauthorized
}

// isAlreadyInUse matches the gateway's answer to creating an existing instance.
func isAlreadyInUse(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return false
	}
	if gwErr.StatusCode != http.StatusForbidden && gwErr.StatusCode != http.StatusConflict {
		return false
	}
	return strings.Contains(strings.ToLower(gwErr.Body), "already in use")
}
