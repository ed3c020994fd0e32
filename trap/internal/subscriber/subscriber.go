// Package subscriber feeds raw sensor events published on the broker into the
// ingest service.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/common/messaging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/service"
)

// Ingester is the part of the ingest service the subscriber needs.
type Ingester interface {
	Ingest(ctx context.Context, raw map[string]any, source string) (*models.Event, error)
}

// Subscriber consumes raw events from a queue group.
type Subscriber struct {
	broker  messaging.Subscriber
	ingest  Ingester
	subject string
	queue   string
	logger  *logging.Logger
	sub     messaging.Subscription
}

func New(broker messaging.Subscriber, ingest Ingester, subject, queue string, logger *logging.Logger) *Subscriber {
	if subject == "" {
		subject = messaging.SubjectHoneypotEvents
	}
	if queue == "" {
		queue = messaging.QueueIngestWorkers
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Subscriber{
		broker:  broker,
		ingest:  ingest,
		subject: subject,
		queue:   queue,
		logger:  logger.Component("subscriber"),
	}
}

func (s *Subscriber) Start() error {
	sub, err := s.broker.QueueSubscribe(s.subject, s.queue, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe to raw events: %w", err)
	}
	s.sub = sub
	s.logger.Info("subscribed to raw events", "subject", s.subject, "queue", s.queue)
	return nil
}

func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// handle ingests one message. Invalid records are logged and dropped so the
// broker never redelivers them.
func (s *Subscriber) handle(ctx context.Context, msg *messaging.Message) error {
	var raw map[string]any
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		s.logger.WarnContext(ctx, "dropping undecodable message", "subject", msg.Subject, logging.Error(err))
		return nil
	}
	if sensor := sensorOf(msg.Subject, s.subject); sensor != "" {
		if _, set := raw[models.KeySensor]; !set {
			raw[models.KeySensor] = sensor
		}
	}

	if _, err := s.ingest.Ingest(ctx, raw, service.SourceNATS); err != nil {
		if service.IsValidation(err) {
			s.logger.WarnContext(ctx, "dropping invalid event", "subject", msg.Subject, logging.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// sensorOf returns the subject token matched by a trailing ">" wildcard:
// honeypot.events.ssh-01 under honeypot.events.> yields "ssh-01".
func sensorOf(subject, pattern string) string {
	prefix, ok := strings.CutSuffix(pattern, ">")
	if !ok || !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}
