package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRetryExhausted is returned when all retry attempts or the total wait
// budget for a logical request are used up.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents a 2xx response whose body could not be decoded.
	ErrorClassMalformed ErrorClass = "malformed"
)

// maxBodyExcerpt bounds the response body kept on a FetchError.
const maxBodyExcerpt = 256

// FetchError describes a failed logical request.
type FetchError struct {
	URL         string
	StatusCode  int
	Class       ErrorClass
	Attempts    int
	BodyExcerpt string
	Err         error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d, %d attempts): %v",
			e.URL, e.Class, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error (%d attempts): %v",
		e.URL, e.Class, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error class is retried by the fetcher.
func (c ErrorClass) Transient() bool {
	return shouldRetry(c)
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client and malformed errors will not change on retry
		return false
	}
}

// classifyStatus maps a non-2xx status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

func excerpt(body []byte) string {
	if len(body) > maxBodyExcerpt {
		body = body[:maxBodyExcerpt]
	}
	return string(body)
}
