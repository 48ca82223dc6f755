package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/courier/common/messaging"
)

type fakePublisher struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakePublisher) PublishMsg(_ context.Context, msg *messaging.Message) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func TestJetStreamExecutor(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		pub := &fakePublisher{}
		result := NewJetStreamExecutor(pub).Send(context.Background(), EndpointSessions, []byte("gz"))
		assert.Equal(t, Success, result.Outcome)
		if assert.Len(t, pub.msgs, 1) {
			assert.Equal(t, "courier.delivery.sessions", pub.msgs[0].Subject)
			assert.Equal(t, []byte("gz"), pub.msgs[0].Data)
			assert.Equal(t, "gzip", pub.msgs[0].Metadata[messaging.HeaderContentEncoding])
		}
	})

	t.Run("oversized payload is permanent", func(t *testing.T) {
		pub := &fakePublisher{err: fmt.Errorf("publish: %w", nats.ErrMaxPayload)}
		result := NewJetStreamExecutor(pub).Send(context.Background(), EndpointLogs, nil)
		assert.Equal(t, PermanentFailure, result.Outcome)
	})

	t.Run("broker errors are retryable", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("no responders")}
		result := NewJetStreamExecutor(pub).Send(context.Background(), EndpointLogs, nil)
		assert.Equal(t, RetryableFailure, result.Outcome)
	})
}
