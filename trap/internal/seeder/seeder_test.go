package seeder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/normalizer"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSessionsNormalize(t *testing.T) {
	g := New(7, Options{})
	records := g.Sessions(50, now)
	require.NotEmpty(t, records)

	seen := map[string]int{}
	var last time.Time
	for _, rec := range records {
		ev, err := normalizer.Normalize(rec, now)
		require.NoError(t, err, "%v", rec)
		assert.False(t, ev.Timestamp.Before(last), "records out of order")
		last = ev.Timestamp
		seen[ev.EventType]++
	}
	assert.Equal(t, 50, seen[models.TypeConnection])
	assert.Equal(t, 50, seen[models.TypeSessionClosed])
	assert.Equal(t, 50, seen[models.TypeClientVersion])
	assert.NotZero(t, seen[models.TypeLoginAttempt])
}

func TestSessionShape(t *testing.T) {
	recs := New(1, Options{Attackers: 1, Ports: []int{22}}).Session(now)
	require.GreaterOrEqual(t, len(recs), 4)
	assert.Equal(t, "cowrie.session.connect", recs[0]["eventid"])
	assert.Equal(t, "cowrie.client.version", recs[1]["eventid"])
	assert.Equal(t, "cowrie.session.closed", recs[len(recs)-1]["eventid"])

	session := recs[0]["session"]
	for _, r := range recs {
		assert.Equal(t, session, r["session"])
		assert.Equal(t, 22, r["dst_port"])
	}
}

func TestDeterministicForSeed(t *testing.T) {
	a := New(42, Options{}).Sessions(5, now)
	b := New(42, Options{}).Sessions(5, now)
	assert.Equal(t, a, b)
}
