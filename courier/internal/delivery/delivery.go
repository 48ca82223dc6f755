// Package delivery defines the contract of the component that performs the
// network call for a payload, and the executors courier ships with.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/courier/courier/internal/payload"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case PermanentFailure:
		return "permanent"
	default:
		return "unknown"
	}
}

// Endpoint names the backend resource a payload is sent to.
type Endpoint string

const (
	EndpointSessions    Endpoint = "sessions"
	EndpointLogs        Endpoint = "logs"
	EndpointAttachments Endpoint = "attachments"
)

// Path returns the HTTP path for e.
func (e Endpoint) Path() string {
	return "/v2/" + string(e)
}

// EndpointFor returns the endpoint a stored payload is delivered to.
func EndpointFor(meta payload.Metadata) Endpoint {
	switch {
	case meta.PayloadType == payload.TypeAttachment:
		return EndpointAttachments
	case meta.EnvelopeType == payload.EnvelopeSession:
		return EndpointSessions
	default:
		return EndpointLogs
	}
}

// Result is what an Executor reports for one attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	// RetryAfter is the server-requested pause before the endpoint is tried
	// again. Zero when the server did not ask for one.
	RetryAfter time.Duration
	Err        error
}

// Succeeded returns a successful Result.
func Succeeded() Result {
	return Result{Outcome: Success}
}

// Retryable returns a retryable Result wrapping err.
func Retryable(err error) Result {
	return Result{Outcome: RetryableFailure, Err: err}
}

// Permanent returns a permanent Result wrapping err.
func Permanent(err error) Result {
	return Result{Outcome: PermanentFailure, Err: err}
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	}
	return r.Outcome.String()
}

// Executor performs the network call for one payload body.
type Executor interface {
	Send(ctx context.Context, endpoint Endpoint, body []byte) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, endpoint Endpoint, body []byte) Result

// Send calls f.
func (f ExecutorFunc) Send(ctx context.Context, endpoint Endpoint, body []byte) Result {
	return f(ctx, endpoint, body)
}
