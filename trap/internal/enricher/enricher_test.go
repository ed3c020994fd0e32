package enricher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func connect(src string, at time.Duration) *models.Event {
	return &models.Event{EventType: models.TypeConnection, SourceIdentifier: src, Timestamp: base.Add(at)}
}

func failedLogin(src string, at time.Duration) *models.Event {
	return &models.Event{
		EventType:        models.TypeLoginAttempt,
		SourceIdentifier: src,
		Timestamp:        base.Add(at),
		Payload:          models.Payload{models.KeyUsername: "root", models.KeySuccess: false},
	}
}

func TestRapidReconnect(t *testing.T) {
	e, err := New(Config{Window: time.Minute, ReconnectThreshold: 3, CacheSize: 16})
	require.NoError(t, err)

	first, second, third := connect("a", 0), connect("a", 10*time.Second), connect("a", 20*time.Second)
	e.Enrich(first)
	e.Enrich(second)
	e.Enrich(third)

	assert.NotContains(t, first.Payload, models.KeyRapidReconnect)
	assert.NotContains(t, second.Payload, models.KeyRapidReconnect)
	assert.Equal(t, true, third.Payload[models.KeyRapidReconnect])

	other := connect("b", 21*time.Second)
	e.Enrich(other)
	assert.NotContains(t, other.Payload, models.KeyRapidReconnect, "sources are tracked independently")

	late := connect("a", 2*time.Minute)
	e.Enrich(late)
	assert.NotContains(t, late.Payload, models.KeyRapidReconnect, "old connections fall out of the window")
}

func TestFailedAttemptsCounted(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	var last *models.Event
	for i := 0; i < 4; i++ {
		last = failedLogin("c", time.Duration(i)*time.Second)
		e.Enrich(last)
	}
	assert.Equal(t, 4, last.Payload[models.KeyFailedAttempts])

	success := &models.Event{EventType: models.TypeLoginAttempt, SourceIdentifier: "c", Timestamp: base.Add(5 * time.Second),
		Payload: models.Payload{models.KeyUsername: "root", models.KeySuccess: true}}
	e.Enrich(success)
	assert.NotContains(t, success.Payload, models.KeyFailedAttempts)
}

func TestSensorSuppliedValuesWin(t *testing.T) {
	e, err := New(Config{ReconnectThreshold: 1})
	require.NoError(t, err)

	ev := connect("d", 0)
	ev.Payload = models.Payload{models.KeyRapidReconnect: false}
	e.Enrich(ev)
	assert.Equal(t, false, ev.Payload[models.KeyRapidReconnect])

	login := failedLogin("d", 0)
	login.Payload[models.KeyFailedAttempts] = 9.0
	e.Enrich(login)
	assert.Equal(t, 9.0, login.Payload[models.KeyFailedAttempts])
}

func TestCacheIsBounded(t *testing.T) {
	e, err := New(Config{CacheSize: 8})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		e.Enrich(connect(fmt.Sprintf("10.0.0.%d", i), 0))
	}
	assert.Equal(t, 8, e.Tracked())
}
