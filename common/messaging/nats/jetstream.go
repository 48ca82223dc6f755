package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/courier/common/messaging"
)

// JetStreamClient publishes with persistence acknowledgments.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64
	// MaxMsgSize bounds a single payload; larger publishes are rejected.
	MaxMsgSize int32
	Retention  jetstream.RetentionPolicy
	Storage    jetstream.StorageType
}

// DefaultStreamConfig returns the stream used for delivered payloads.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:       messaging.StreamDelivery,
		Subjects:   messaging.DeliverySubjects(),
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024,
		MaxMsgs:    1000000,
		MaxMsgSize: 8 * 1024 * 1024,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config, logger *slog.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(client.conn)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		MaxMsgSize: cfg.MaxMsgSize,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishMsg publishes msg and waits for the stream acknowledgment.
func (c *JetStreamClient) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	natsMsg := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
	}
	if len(msg.Metadata) > 0 {
		natsMsg.Header = make(nats.Header)
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
	}
	if _, err := c.js.PublishMsg(ctx, natsMsg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
