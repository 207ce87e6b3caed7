package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// CredentialsExpiredError signals that the broker session token is no longer
// valid. Callers must stop retrying and escalate for operator
// re-authentication; every polling loop treats this as a stop condition.
type CredentialsExpiredError struct {
	Message string
}

func (e *CredentialsExpiredError) Error() string {
	if e.Message == "" {
		return "broker credentials expired"
	}
	return fmt.Sprintf("broker credentials expired: %s", e.Message)
}

// IsCredentialsExpired reports whether err is (or wraps) a credentials
// expiry condition.
func IsCredentialsExpired(err error) bool {
	var ce *CredentialsExpiredError
	return errors.As(err, &ce)
}

// OrderRejectedError signals that the broker refused a specific order. It is
// scoped to that order: allocated funds are released and an alert is logged,
// but the engine keeps running.
type OrderRejectedError struct {
	OrderID string
	Reason  string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}

// IsOrderRejected reports whether err is (or wraps) an order rejection.
func IsOrderRejected(err error) bool {
	var re *OrderRejectedError
	return errors.As(err, &re)
}

// DiscrepancyError signals that reconciliation found the local book and the
// broker's book disagreeing. The engine pauses for operator review.
type DiscrepancyError struct {
	Orphaned int
	Missing  int
}

func (e *DiscrepancyError) Error() string {
	return fmt.Sprintf("reconciliation discrepancy: %d orphaned orders, %d missing positions", e.Orphaned, e.Missing)
}

// InvariantViolationError signals a fund-accounting mismatch beyond
// tolerance. The corrected value is applied, but the engine pauses
// defensively.
type InvariantViolationError struct {
	Expected float64
	Actual   float64
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("fund accounting mismatch: allocated should be %.2f, stored %.2f", e.Expected, e.Actual)
}

// APIError represents a non-2xx response from the broker REST API.
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d (%s): %s", e.Status, e.ErrorType, e.Message)
}

// transientPatterns covers failure strings from the HTTP stack that do not
// surface as typed errors.
var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"no such host",
	"EOF",
	"broken pipe",
	"service unavailable",
	"gateway",
}

// IsTransient reports whether err looks like a transient network or
// server-side failure that the issuing loop may retry on its normal
// schedule. Credential expiry and order rejections are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsCredentialsExpired(err) || IsOrderRejected(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
