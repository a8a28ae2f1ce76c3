package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrIncompleteStream is returned when the stream ends without a complete event.
var ErrIncompleteStream = errors.New("no complete response received")

// StatusError is a non-2xx response from the synthesize endpoint.
type StatusError struct {
	StatusCode      int
	Message         string
	Code            string
	UpgradeRequired bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("synthesize: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("synthesize: unexpected status %d: %s", e.StatusCode, e.Message)
}

// ConnectError is a transport failure before any response was obtained.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connecting to synthesize endpoint: " + e.Err.Error() }

func (e *ConnectError) Unwrap() error { return e.Err }

// APIError is an application-level error delivered inside the stream.
type APIError struct {
	Message         string
	Code            string
	UpgradeRequired bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("synthesis failed (%s): %s", e.Code, e.Message)
	}
	return "synthesis failed: " + e.Message
}

// IsRetryable reports whether err is transient: a connection failure, or a
// 5xx, 429 or 408 response. Everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout
	}
	return false
}

// IsUpgradeRequired reports whether err asks the user to move to a higher tier.
func IsUpgradeRequired(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.UpgradeRequired || se.StatusCode == http.StatusPaymentRequired
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.UpgradeRequired
	}
	return false
}

// UserMessage maps err to a short message that is safe to show to a user.
// Internal detail stays in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsUpgradeRequired(err) {
		return "You've reached your plan's limit. Upgrade to keep synthesizing."
	}
	if errors.Is(err, context.Canceled) {
		return "Synthesis was cancelled."
	}
	if errors.Is(err, ErrIncompleteStream) {
		return "The response was cut short. Please try again."
	}
	var ce *ConnectError
	if errors.As(err, &ce) || errors.Is(err, context.DeadlineExceeded) {
		return "Connection issue. Check your network and try again."
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return "Please sign in to continue."
		case se.StatusCode == http.StatusTooManyRequests:
			return "Too many requests right now. Please wait a moment."
		case se.StatusCode == http.StatusRequestTimeout || se.StatusCode >= 500:
			return "The service is busy. Please try again shortly."
		case se.StatusCode == http.StatusBadRequest:
			return "That input couldn't be processed. Try rephrasing it."
		}
	}
	return "Something went wrong while synthesizing. Please try again."
}

// RetryMessage is the transient notice shown while a retry is pending.
func RetryMessage(attempt int) string {
	return fmt.Sprintf("retrying… attempt %d", attempt)
}
