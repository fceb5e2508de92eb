package connectivity

import (
	"context"
	"errors"
	"fmt"
)

// ErrServiceNotFound is returned when Call targets a service with no route
// and no local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrFactoryFailed is reported when a TransportFactory fails to build a
// handler for a route.
type ErrFactoryFailed struct {
	Service  string
	Strategy string
	Endpoint string
	Cause    error
}

func (e *ErrFactoryFailed) Error() string {
	return fmt.Sprintf("connectivity: factory %q failed for service %s (endpoint %s): %v",
		e.Strategy, e.Service, e.Endpoint, e.Cause)
}

func (e *ErrFactoryFailed) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting the remote handler.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrHTTPStatus is returned by HTTP transports for non-2xx responses.
// Callers classify remote failures by Code.
type ErrHTTPStatus struct {
	Code int
	Body string
}

func (e *ErrHTTPStatus) Error() string {
	return fmt.Sprintf("connectivity/http: status %d: %s", e.Code, e.Body)
}

// Retryable reports whether repeating the call could succeed.
func (e *ErrHTTPStatus) Retryable() bool {
	return e.Code >= 500 || e.Code == 429
}

// Failure classifies a call error from the healing service's point of
// view. It drives the breaker, retries, log attributes and metric labels.
type Failure string

const (
	FailureNone        Failure = ""
	FailureUnavailable Failure = "unavailable"      // network, timeout, 5xx, 429
	FailureRejected    Failure = "rejected"         // the service answered 4xx
	FailureUpgrade     Failure = "upgrade_required" // 426: client too old
	FailureCircuitOpen Failure = "circuit_open"
	FailureNotRoutable Failure = "not_routable"
	FailurePanic       Failure = "panic"
	FailureCancelled   Failure = "cancelled" // caller gave up
)

// Classify maps err onto a Failure. Unknown errors count as unavailable.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}
	var (
		p      *ErrPanic
		open   *ErrCircuitOpen
		nf     *ErrServiceNotFound
		status *ErrHTTPStatus
	)
	switch {
	case errors.As(err, &p):
		return FailurePanic
	case errors.As(err, &open):
		return FailureCircuitOpen
	case errors.As(err, &nf):
		return FailureNotRoutable
	case errors.As(err, &status):
		switch {
		case status.Code == 426:
			return FailureUpgrade
		case status.Retryable():
			return FailureUnavailable
		}
		return FailureRejected
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	}
	return FailureUnavailable
}

// Outage reports whether f says the endpoint itself is unhealthy.
func (f Failure) Outage() bool {
	return f == FailureUnavailable || f == FailurePanic
}
