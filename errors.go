/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRetry should cause the message to be redelivered by SQS, but not treat the retry as an error
	ErrRetry = errors.New("Retry error")

	// ErrCircuitOpen is returned without calling Pulse while its circuit breaker is open
	ErrCircuitOpen = errors.New("pulse circuit breaker is open")

	// ErrBulkheadFull is returned when all Pulse request slots stay busy past the bulkhead timeout
	ErrBulkheadFull = errors.New("pulse bulkhead is full")

	// ErrNoInstances is returned when the service registry has no instance for a service
	ErrNoInstances = errors.New("no service instances available")
)

// HTTPError is a non-2xx response from Pulse
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// ValidationError is an event rejected by the envelope schema before it was sent
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the schema error
func (e *ValidationError) Unwrap() error {
	return e.Err
}
