package subscriber

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/common/messaging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/risk"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/service"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/store"
)

type fakeSub struct{ unsubscribed bool }

func (f *fakeSub) Unsubscribe() error { f.unsubscribed = true; return nil }
func (f *fakeSub) Subject() string    { return messaging.SubjectHoneypotEvents }
func (f *fakeSub) IsValid() bool      { return !f.unsubscribed }

type fakeBroker struct {
	subject, queue string
	handler        messaging.MessageHandler
	sub            *fakeSub
	err            error
}

func (b *fakeBroker) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return b.QueueSubscribe(subject, "", handler)
}

func (b *fakeBroker) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.subject, b.queue, b.handler = subject, queue, handler
	b.sub = &fakeSub{}
	return b.sub, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) deliver(subject, data string) error {
	return b.handler(context.Background(), &messaging.Message{Subject: subject, Data: []byte(data)})
}

type failingIngester struct{}

func (failingIngester) Ingest(context.Context, map[string]any, string) (*models.Event, error) {
	return nil, errors.New("append event: store closed")
}

func setup(t *testing.T) (*fakeBroker, *store.Store, *Subscriber) {
	t.Helper()
	st := store.New(store.Options{MaxEvents: 10, Logger: logging.Discard()})
	ingest := service.NewIngestService(st, nil, risk.NewClassifier(risk.DefaultProfile()), nil, logging.Discard())
	broker := &fakeBroker{}
	sub := New(broker, ingest, "", "", logging.Discard())
	require.NoError(t, sub.Start())
	return broker, st, sub
}

func TestSubscribesWithDefaults(t *testing.T) {
	broker, _, sub := setup(t)
	assert.Equal(t, "honeypot.events.>", broker.subject)
	assert.Equal(t, "trap-ingest", broker.queue)

	require.NoError(t, sub.Stop())
	assert.True(t, broker.sub.unsubscribed)
}

func TestIngestsMessageAndTagsSensor(t *testing.T) {
	broker, st, _ := setup(t)

	err := broker.deliver("honeypot.events.ssh-01",
		`{"eventid":"cowrie.session.connect","timestamp":"2024-06-01T12:00:00Z","src_ip":"198.51.100.7","dst_port":22}`)
	require.NoError(t, err)

	events := st.Query(models.Filter{})
	require.Len(t, events, 1)
	assert.Equal(t, models.TypeConnection, events[0].EventType)
	sensor, _ := events[0].Payload.String(models.KeySensor)
	assert.Equal(t, "ssh-01", sensor)
}

func TestDropsInvalidMessages(t *testing.T) {
	broker, st, _ := setup(t)

	assert.NoError(t, broker.deliver("honeypot.events.ssh-01", "not json"))
	assert.NoError(t, broker.deliver("honeypot.events.ssh-01", `{"eventid":"cowrie.session.connect"}`))
	assert.Zero(t, st.HeadID())
}

func TestReturnsStoreErrors(t *testing.T) {
	broker := &fakeBroker{}
	sub := New(broker, failingIngester{}, "", "", logging.Discard())
	require.NoError(t, sub.Start())

	err := broker.deliver("honeypot.events.x", `{"event_type":"connection"}`)
	assert.EqualError(t, err, "append event: store closed")
}

func TestStartFailure(t *testing.T) {
	broker := &fakeBroker{err: errors.New("not connected")}
	sub := New(broker, failingIngester{}, "", "", logging.Discard())
	assert.ErrorContains(t, sub.Start(), "not connected")
	assert.NoError(t, sub.Stop())
}

func TestSensorOf(t *testing.T) {
	assert.Equal(t, "ssh-01", sensorOf("honeypot.events.ssh-01", "honeypot.events.>"))
	assert.Equal(t, "a.b", sensorOf("honeypot.events.a.b", "honeypot.events.>"))
	assert.Empty(t, sensorOf("other.events.x", "honeypot.events.>"))
	assert.Empty(t, sensorOf("honeypot.events.x", "honeypot.events.x"))
}
