package scraper

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptySearchTerm = errors.New("search term must not be empty")
	ErrInvalidPage     = errors.New("page must be a positive integer")
)

// NetworkError is a transport failure, timeout or 5xx response. Retryable.
type NetworkError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog unavailable (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("catalog request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is an HTTP 429. Retryable with a longer wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("catalog rate limited, retry after %s", e.RetryAfter)
	}
	return "catalog rate limited"
}

// CatalogError is a permanent 4xx response other than 429.
type CatalogError struct {
	StatusCode int
	Message    string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog rejected request (HTTP %d): %s", e.StatusCode, e.Message)
}

// ParseError means the catalog answered with a body we cannot decode.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed catalog response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	var netErr *NetworkError
	var rlErr *RateLimitError
	return errors.As(err, &netErr) || errors.As(err, &rlErr)
}
