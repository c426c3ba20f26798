package iothub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

// ErrorResponse is the error body returned by IoT Hub.
type ErrorResponse struct {
	Message          string `json:"Message"`
	ExceptionMessage string `json:"ExceptionMessage"`
}

var (
	// ErrInvalidArgument reports input rejected before any request was sent.
	ErrInvalidArgument = configuration.ErrInvalidArgument
	// ErrSerialization reports a response that does not decode into a
	// configuration.
	ErrSerialization = configuration.ErrSerialization

	ErrNotFound           = errors.New("configuration not found")
	ErrPreconditionFailed = errors.New("etag precondition failed")
	ErrAlreadyExists      = errors.New("configuration already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRemote             = errors.New("remote error")
	// ErrOutOfMemory reports a response larger than the client accepts.
	ErrOutOfMemory = errors.New("response exceeds allocation limit")
)

// Error is a failure reported by the remote store or the transport.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a remote failure that may succeed when
// the same call is repeated.
func IsRetryable(err error) bool {
	var iothubErr *Error
	if errors.As(err, &iothubErr) {
		return iothubErr.Retryable
	}
	return false
}

func handleError(resp *Response) error {
	e := &Error{
		Kind:       ErrRemote,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.Body),
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = ErrNotFound
	case resp.StatusCode == http.StatusPreconditionFailed:
		e.Kind = ErrPreconditionFailed
	case resp.StatusCode == http.StatusConflict:
		e.Kind = ErrAlreadyExists
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.Kind = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		e.Retryable = true
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}
	if errResp.Message != "" {
		return errResp.Message
	}
	return errResp.ExceptionMessage
}

// transportError classifies a failure to complete an exchange. Timeouts are
// retryable; everything else is reported as a plain remote error.
func transportError(err error) error {
	retryable := errors.Is(err, context.DeadlineExceeded)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		retryable = true
	}

	msg := "transport failure"
	if retryable {
		msg = "request timed out"
	}
	return &Error{Kind: ErrRemote, Message: msg, Retryable: retryable, Err: err}
}
