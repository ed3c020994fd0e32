package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
)

// JetStreamClient extends Client with persistent publishing.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped by the server.
	Duplicates time.Duration
	Storage    jetstream.StorageType
}

// ExportStreamConfig returns the stream capturing exported events under subjectPrefix.
func ExportStreamConfig(name, subjectPrefix string) StreamConfig {
	return StreamConfig{
		Name:       name,
		Subjects:   []string{subjectPrefix + ".>"},
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024,
		Duplicates: 10 * time.Minute,
		Storage:    jetstream.FileStorage,
	}
}

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config, logger *logging.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
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
		Duplicates: cfg.Duplicates,
		Storage:    cfg.Storage,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishDedup publishes data and waits for the server ack. msgID is sent as
// Nats-Msg-Id so a republish inside the stream's duplicate window is dropped.
func (c *JetStreamClient) PublishDedup(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error) {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	return c.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
}
