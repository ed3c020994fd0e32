// Package streamsink publishes exported events to a JetStream stream.
package streamsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/common/messaging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

const Kind = "jetstream"

// Publisher is the subset of the JetStream client the sink needs.
type Publisher interface {
	PublishDedup(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error)
}

// Sink publishes one message per event on <prefix>.<event_type>. Each message
// carries Nats-Msg-Id trap-<id>, so the server drops republished events that
// fall inside the stream's duplicate window.
type Sink struct {
	name   string
	prefix string
	pub    Publisher
	logger *logging.Logger
}

func New(name, subjectPrefix string, pub Publisher, logger *logging.Logger) *Sink {
	if subjectPrefix == "" {
		subjectPrefix = messaging.SubjectExportPrefix
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sink{
		name:   name,
		prefix: subjectPrefix,
		pub:    pub,
		logger: logger.Component("streamsink").With(logging.Sink(name)),
	}
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Kind() string { return Kind }

// MsgID is the de-duplication ID of an event.
func MsgID(id uint64) string {
	return "trap-" + strconv.FormatUint(id, 10)
}

// Flush publishes events in ID order and stops at the first failure; the
// scheduler retries the whole range and the server discards the repeats.
func (s *Sink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	duplicates := 0
	for _, ev := range batch.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, sink.Fatal(fmt.Errorf("marshal event %d: %w", ev.ID, err))
		}
		subject := messaging.ExportSubject(s.prefix, ev.EventType)
		ack, err := s.pub.PublishDedup(ctx, subject, data, MsgID(ev.ID))
		if err != nil {
			return 0, classify(fmt.Errorf("publish event %d to %s: %w", ev.ID, subject, err))
		}
		if ack != nil && ack.Duplicate {
			duplicates++
		}
	}
	if duplicates > 0 {
		s.logger.Debug("server dropped duplicate events", logging.Range(batch.FromID, batch.ToID), logging.Count(duplicates))
	}
	return batch.ToID, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrNoStreamResponse),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload):
		return sink.Fatal(err)
	}
	return sink.Transient(err)
}
