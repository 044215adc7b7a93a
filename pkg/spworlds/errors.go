package spworlds

import (
	"context"
	"fmt"
	"time"
)

// APIError is returned when the API answers with a status other than
// 200, 201 or 404
type APIError struct {
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spworlds: API request failed: %d %s", e.StatusCode, e.Status)
}

// TimeoutError is returned when a call exceeds ClientConfig.Timeout
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("spworlds: request timed out after %s", e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ValidationError reports the first payment request rule that was violated.
// No request is sent when it is returned.
type ValidationError struct {
	// Field is the JSON name of the offending field
	Field string
	// Index is the position of the offending item, -1 for top-level fields
	Index int
	// Rule is the violated constraint (min, max)
	Rule  string
	Param string
}

func (e *ValidationError) Error() string {
	return "spworlds: invalid payment request: " + e.describe()
}

func (e *ValidationError) describe() string {
	switch e.Field {
	case "data":
		return "data must not be longer than 100 characters"
	case "items":
		return "at least one item is required"
	case "name":
		return fmt.Sprintf("items[%d]: name must be between 3 and 64 characters", e.Index)
	case "count":
		return fmt.Sprintf("items[%d]: count must be between 1 and 9999", e.Index)
	case "price":
		return fmt.Sprintf("items[%d]: price must be between 1 and 1728", e.Index)
	case "comment":
		return fmt.Sprintf("items[%d]: comment must not be longer than 100 characters", e.Index)
	}
	if e.Index >= 0 {
		return fmt.Sprintf("items[%d]: %s violates %s=%s", e.Index, e.Field, e.Rule, e.Param)
	}
	return fmt.Sprintf("%s violates %s=%s", e.Field, e.Rule, e.Param)
}
