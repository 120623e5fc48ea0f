package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation  = errors.New("invalid request")
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("timed out")
	ErrBreakerOpen = errors.New("circuit breaker open")

	// Returned to a caller whose request was replaced by a newer one for the same subject.
	// Callers must drop the result silently.
	ErrSuperseded = errors.New("request superseded")
)

// APIError is returned when the data source answered, but rejected the request
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("data source returned status code %d", e.StatusCode)
	}
	return fmt.Sprintf("data source returned status code %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the same request may succeed if it is tried again later
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return e.StatusCode >= 500
}

func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

type Kind string

const (
	KindNone        Kind = "none"
	KindValidation  Kind = "validation"
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network"
	KindAPI         Kind = "api"
	KindBreakerOpen Kind = "breaker_open"
	KindCancelled   Kind = "cancelled"
	KindUnknown     Kind = "unknown"
)

func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var apiErr *APIError
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSuperseded),
		errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrBreakerOpen):
		return KindBreakerOpen
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, context.DeadlineExceeded):
		// A transport timeout is the data source being slow, a bare deadline is the caller's own
		if errors.Is(err, ErrNetwork) {
			return KindTimeout
		}
		return KindCancelled
	case errors.As(err, &apiErr):
		return KindAPI
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether an attempt failing with err is worth repeating
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindNetwork:
		return true
	case KindAPI:
		var apiErr *APIError
		errors.As(err, &apiErr)
		return apiErr.Transient()
	}
	return false
}

// CountsAsFailure reports whether err says something about the health of the data source
func CountsAsFailure(err error) bool {
	return Retryable(err)
}
