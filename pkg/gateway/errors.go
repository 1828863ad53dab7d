package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zapflow/zapflow/pkg/models"
)

// Class buckets every gateway failure into the retry semantics the callers
// need. Disconnected is load-bearing: it is the sole signal the maturation
// loop uses to auto-stop.
type Class string

const (
	// ClassTransient covers timeouts, 5xx and rate limiting; the caller may retry.
	ClassTransient Class = "transient"
	// ClassDisconnected means the instance lost its channel pairing;
	// dependent loops and sessions must stop.
	ClassDisconnected Class = "disconnected"
	// ClassPermanent covers bad requests and unsupported media; retrying is pointless.
	ClassPermanent Class = "permanent"
)

// Error is a classified gateway failure.
type Error struct {
	Class      Class
	Provider   models.GatewayProvider
	InstanceID string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s failure (provider=%s instance=%s): %v",
		e.Class, e.Provider, e.InstanceID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var gwErr *Error

	return errors.As(err, &gwErr) && gwErr.Class == ClassTransient
}

func IsDisconnected(err error) bool {
	var gwErr *Error

	return errors.As(err, &gwErr) && gwErr.Class == ClassDisconnected
}

func IsPermanent(err error) bool {
	var gwErr *Error

	return errors.As(err, &gwErr) && gwErr.Class == ClassPermanent
}

// disconnectionMarkers are the error-text fragments both providers emit
// when an instance lost its pairing. Matching is case-insensitive.
var disconnectionMarkers = []string{
	"instance not found",
	"not connected",
	"disconnected",
	"session closed",
	"instance does not exist",
	"qrcode",
}

// classify turns an HTTP outcome into a classified gateway error.
func classify(provider models.GatewayProvider, instanceID string, statusCode int, body string, err error) *Error {
	gwErr := &Error{
		Provider:   provider,
		InstanceID: instanceID,
		StatusCode: statusCode,
	}

	switch {
	case err != nil:
		// Network-level failure: timeout, connection refused, cancelled.
		gwErr.Class = ClassTransient
		if errors.Is(err, context.Canceled) {
			gwErr.Class = ClassPermanent
		}

		gwErr.Err = err

		return gwErr
	case matchesDisconnection(body):
		gwErr.Class = ClassDisconnected
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		// Token rejected on an instance that paired before: the provider
		// dropped the session.
		gwErr.Class = ClassDisconnected
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		gwErr.Class = ClassTransient
	default:
		gwErr.Class = ClassPermanent
	}

	gwErr.Err = fmt.Errorf("status %d: %s", statusCode, truncate(body, 200))

	return gwErr
}

func matchesDisconnection(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range disconnectionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
