package streamsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sinktest"
)

type published struct {
	subject string
	msgID   string
	data    []byte
}

// fakeStream mimics server-side de-duplication on the message ID.
type fakeStream struct {
	mu       sync.Mutex
	seen     map[string]bool
	messages []published
	failAt   int
	err      error
}

func newFakeStream() *fakeStream {
	return &fakeStream{seen: make(map[string]bool), failAt: -1}
}

func (f *fakeStream) PublishDedup(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt == 0 {
		f.failAt = -1
		return nil, f.err
	}
	if f.failAt > 0 {
		f.failAt--
	}
	if f.seen[msgID] {
		return &jetstream.PubAck{Stream: "TRAP_EXPORT", Duplicate: true}, nil
	}
	f.seen[msgID] = true
	f.messages = append(f.messages, published{subject: subject, msgID: msgID, data: data})
	return &jetstream.PubAck{Stream: "TRAP_EXPORT", Sequence: uint64(len(f.messages))}, nil
}

func TestFlushPublishesPerEventType(t *testing.T) {
	fs := newFakeStream()
	s := New("stream", "", fs, logging.Discard())

	upTo, err := s.Flush(context.Background(), sinktest.Batch(1, 6))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), upTo)
	require.Len(t, fs.messages, 6)

	assert.Equal(t, "trap.export.connection", fs.messages[0].subject)
	assert.Equal(t, "trap.export.login-attempt", fs.messages[2].subject)
	assert.Equal(t, "trap-3", fs.messages[2].msgID)

	var ev models.Event
	require.NoError(t, json.Unmarshal(fs.messages[2].data, &ev))
	assert.Equal(t, uint64(3), ev.ID)
}

func TestRetryAfterPartialPublishHasNoDuplicates(t *testing.T) {
	fs := newFakeStream()
	fs.failAt = 3
	fs.err = context.DeadlineExceeded
	s := New("stream", "honeypot.export", fs, logging.Discard())
	batch := sinktest.Batch(1, 6)

	_, err := s.Flush(context.Background(), batch)
	require.Error(t, err)
	assert.False(t, sink.IsFatal(err))
	assert.Len(t, fs.messages, 3)

	upTo, err := s.Flush(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), upTo)
	assert.Len(t, fs.messages, 6)
	assert.Equal(t, "honeypot.export.session-closed", fs.messages[5].subject)
}

func TestMissingStreamIsFatal(t *testing.T) {
	fs := newFakeStream()
	fs.failAt = 0
	fs.err = jetstream.ErrNoStreamResponse
	s := New("stream", "", fs, logging.Discard())

	_, err := s.Flush(context.Background(), sinktest.Batch(1, 1))
	require.Error(t, err)
	assert.True(t, sink.IsFatal(err))
	assert.True(t, errors.Is(err, jetstream.ErrNoStreamResponse))
}
