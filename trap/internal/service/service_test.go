package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/enricher"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/risk"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/scheduler"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/jsonsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sqlsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/store"
)

type headRecorder struct {
	mu    sync.Mutex
	heads []uint64
}

func (h *headRecorder) Notify(head uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heads = append(h.heads, head)
}

func newIngest(t *testing.T) (*IngestService, *store.Store, *headRecorder) {
	t.Helper()
	st := store.New(store.Options{MaxEvents: 100, Logger: logging.Discard()})
	enr, err := enricher.New(enricher.DefaultConfig())
	require.NoError(t, err)
	rec := &headRecorder{}
	svc := NewIngestService(st, enr, risk.NewClassifier(risk.DefaultProfile()), rec, logging.Discard())
	return svc, st, rec
}

func cowrie(eventID string, ts time.Time, extra map[string]any) map[string]any {
	raw := map[string]any{
		"eventid":   eventID,
		"timestamp": ts.Format(time.RFC3339),
		"src_ip":    "198.51.100.7",
		"session":   "a1b2c3",
		"dst_port":  22.0,
	}
	for k, v := range extra {
		raw[k] = v
	}
	return raw
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestIngestClassifiesAndNotifies(t *testing.T) {
	svc, st, rec := newIngest(t)
	ctx := context.Background()

	ev, err := svc.Ingest(ctx, cowrie("cowrie.session.connect", t0, nil), SourceHTTP)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, models.TypeConnection, ev.EventType)
	assert.Equal(t, 35, ev.RiskScore)
	assert.Equal(t, models.ThreatHigh, ev.ThreatLevel)

	stored := st.Query(models.Filter{})
	require.Len(t, stored, 1)
	assert.Equal(t, "a1b2c3", stored[0].SessionID)
	assert.Equal(t, []uint64{1}, rec.heads)
}

func TestIngestDetectsBruteForce(t *testing.T) {
	svc, _, _ := newIngest(t)
	ctx := context.Background()

	var last *models.Event
	for i := 0; i < 3; i++ {
		ev, err := svc.Ingest(ctx, cowrie("cowrie.login.failed", t0.Add(time.Duration(i)*time.Second),
			map[string]any{"username": "root", "password": "123456"}), SourceHTTP)
		require.NoError(t, err)
		last = ev
	}
	assert.Contains(t, last.Indicators, risk.IndicatorBruteForce)
	assert.Equal(t, 55, last.RiskScore)
	assert.Equal(t, models.ThreatHigh, last.ThreatLevel)
}

func TestIngestRejectsInvalidRecord(t *testing.T) {
	svc, st, rec := newIngest(t)

	_, err := svc.Ingest(context.Background(), map[string]any{"eventid": "cowrie.session.connect"}, SourceHTTP)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Zero(t, st.HeadID())
	assert.Empty(t, rec.heads)

	_, err = svc.IngestJSON(context.Background(), []byte(`[1,2]`), SourceNATS)
	assert.True(t, IsValidation(err))
}

func TestIngestBatchReportsPerRecord(t *testing.T) {
	svc, _, _ := newIngest(t)
	res := svc.IngestBatch(context.Background(), []map[string]any{
		cowrie("cowrie.session.connect", t0, nil),
		{"eventid": "cowrie.login.failed"},
		cowrie("cowrie.command.input", t0.Add(time.Second), map[string]any{"input": "uname -a"}),
	}, SourceHTTP)

	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, []uint64{1, 2}, res.IDs)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Contains(t, res.Errors[0].Error, "timestamp")
}

type fakeSinks struct {
	statuses []scheduler.SinkStatus
	flushed  []string
	err      error
}

func (f *fakeSinks) FlushNow(ctx context.Context, name string) (uint64, error) {
	f.flushed = append(f.flushed, name)
	return 0, f.err
}

func (f *fakeSinks) Statuses() []scheduler.SinkStatus { return f.statuses }

func seededQuery(t *testing.T, sinks *fakeSinks) *QueryService {
	t.Helper()
	svc, st, _ := newIngest(t)
	ctx := context.Background()
	_, err := svc.Ingest(ctx, cowrie("cowrie.session.connect", t0, nil), SourceHTTP)
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, cowrie("cowrie.login.success", t0.Add(time.Second),
		map[string]any{"username": "admin", "password": "o'brien"}), SourceHTTP)
	require.NoError(t, err)
	return NewQueryService(st, sinks, logging.Discard(), WithProfile(risk.DefaultProfile()), WithSQLDialect(sqlsink.Postgres))
}

func TestExportJSONFlushesMatchingSink(t *testing.T) {
	sinks := &fakeSinks{statuses: []scheduler.SinkStatus{
		{Name: "warehouse", Kind: sqlsink.Kind, State: scheduler.StateIdle},
		{Name: "broken-archive", Kind: jsonsink.Kind, State: scheduler.StateDisabled},
		{Name: "archive", Kind: jsonsink.Kind, State: scheduler.StateDegraded},
	}}
	q := seededQuery(t, sinks)

	exp, err := q.Export(context.Background(), FormatJSON, models.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"archive"}, sinks.flushed)
	assert.Equal(t, "archive", exp.FlushedSink)
	assert.Equal(t, "application/json", exp.ContentType)
	assert.True(t, strings.HasPrefix(exp.Filename, "trap-export-"))

	doc, err := jsonsink.Decode(bytes.NewReader(exp.Body), jsonsink.CompressNone)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Metadata.EventCount)
	assert.Equal(t, uint64(2), doc.Metadata.ToID)
	assert.Equal(t, 1, doc.Metadata.EventStatistics[models.TypeLoginAttempt])
}

func TestExportSQLReportsFlushFailure(t *testing.T) {
	sinks := &fakeSinks{
		statuses: []scheduler.SinkStatus{{Name: "dump", Kind: sqlsink.DumpKind, State: scheduler.StateIdle}},
		err:      errors.New("disk full"),
	}
	q := seededQuery(t, sinks)

	exp, err := q.Export(context.Background(), FormatSQL, models.Filter{})
	require.NoError(t, err)
	assert.EqualError(t, exp.FlushError, "disk full")
	assert.Equal(t, 2, exp.EventCount)

	body := string(exp.Body)
	assert.Contains(t, body, "-- dialect: postgres")
	assert.Equal(t, 2, strings.Count(body, "INSERT INTO events"))
	assert.Contains(t, body, "'o''brien'")
}

func TestExportAppliesFilter(t *testing.T) {
	q := seededQuery(t, &fakeSinks{})
	f := models.Filter{EventType: models.TypeLoginAttempt, SourceIdentifier: "198.51.100.7", Since: t0, Limit: 1}

	exp, err := q.Export(context.Background(), FormatJSON, f)
	require.NoError(t, err)
	assert.Equal(t, 1, exp.EventCount)

	doc, err := jsonsink.Decode(bytes.NewReader(exp.Body), jsonsink.CompressNone)
	require.NoError(t, err)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, uint64(2), doc.Events[0].ID)
	assert.Equal(t, uint64(2), doc.Metadata.FromID)
	assert.Equal(t, uint64(2), doc.Metadata.ToID)
	assert.Equal(t, models.TypeLoginAttempt, doc.Metadata.Filters.EventType)
	assert.Equal(t, "198.51.100.7", doc.Metadata.Filters.SourceIdentifier)
	require.NotNil(t, doc.Metadata.Filters.Since)
	assert.True(t, t0.Equal(*doc.Metadata.Filters.Since))

	exp, err = q.Export(context.Background(), FormatSQL, models.Filter{SessionID: "a1b2c3\nDROP TABLE events;"})
	require.NoError(t, err)
	assert.Zero(t, exp.EventCount)
	assert.Contains(t, string(exp.Body), "-- filters: session=a1b2c3%0ADROP+TABLE+events%3B\n")
}

func TestExportUnsupportedFormat(t *testing.T) {
	q := seededQuery(t, &fakeSinks{})
	_, err := q.Export(context.Background(), "xml", models.Filter{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestStatsIncludesSinkHealth(t *testing.T) {
	sinks := &fakeSinks{statuses: []scheduler.SinkStatus{
		{Name: "a", Healthy: true},
		{Name: "b", Healthy: false, State: scheduler.StateDegraded},
	}}
	q := seededQuery(t, sinks)

	rep := q.Stats()
	assert.Equal(t, uint64(2), rep.Store.HeadID)
	assert.Equal(t, 2, rep.Store.Retained)
	assert.Equal(t, 1, rep.Store.ByType[models.TypeConnection])
	assert.Equal(t, 1, rep.HealthySinks)
	assert.Equal(t, 6, rep.RiskProfile)
	assert.Len(t, rep.Sinks, 2)
}

func TestEventsQueryLimitReturnsOldestFirst(t *testing.T) {
	svc, st, _ := newIngest(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		raw := cowrie("cowrie.login.failed", t0.Add(time.Duration(i)*time.Second), map[string]any{"username": "root"})
		if i%2 == 0 {
			raw = cowrie("cowrie.session.connect", t0.Add(time.Duration(i)*time.Second), nil)
		}
		_, err := svc.Ingest(ctx, raw, SourceHTTP)
		require.NoError(t, err)
	}
	q := NewQueryService(st, nil, logging.Discard())

	got := q.Events(models.Filter{EventType: models.TypeLoginAttempt, Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].ID)
	assert.Equal(t, uint64(4), got[1].ID)

	rep := q.Stats()
	assert.Empty(t, rep.Sinks)
}
