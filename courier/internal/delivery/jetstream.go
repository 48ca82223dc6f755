package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/courier/common/messaging"
)

// JetStreamExecutor delivers payloads by publishing them to a JetStream
// stream, for deployments where a relay forwards them to the backend.
type JetStreamExecutor struct {
	publisher messaging.Publisher
}

// NewJetStreamExecutor returns an executor publishing through p.
func NewJetStreamExecutor(p messaging.Publisher) *JetStreamExecutor {
	return &JetStreamExecutor{publisher: p}
}

// Send publishes body on the endpoint's delivery subject and waits for the
// stream acknowledgment.
func (e *JetStreamExecutor) Send(ctx context.Context, endpoint Endpoint, body []byte) Result {
	msg := &messaging.Message{
		Subject: messaging.DeliverySubject(string(endpoint)),
		Data:    body,
		Metadata: map[string]string{
			messaging.HeaderContentEncoding: "gzip",
		},
	}
	err := e.publisher.PublishMsg(ctx, msg)
	switch {
	case err == nil:
		return Succeeded()
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject):
		return Permanent(fmt.Errorf("publish rejected: %w", err))
	default:
		return Retryable(err)
	}
}
