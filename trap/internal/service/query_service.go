// Package service implements ingestion and the read-only query, stats and
// export operations behind the HTTP API.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/risk"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/scheduler"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/jsonsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sqlsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/store"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatSQL  = "sql"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// SinkController is the scheduler surface the query service uses.
type SinkController interface {
	FlushNow(ctx context.Context, name string) (uint64, error)
	Statuses() []scheduler.SinkStatus
}

// QueryService answers reads against the store. Each call works on a single
// consistent view of the store.
type QueryService struct {
	store      *store.Store
	sinks      SinkController
	profile    *risk.Profile
	sqlDialect sqlsink.Dialect
	logger     *logging.Logger
	now        func() time.Time
}

// QueryOption customizes a QueryService.
type QueryOption func(*QueryService)

// WithSQLDialect selects the dialect of SQL exports. The default is sqlite.
func WithSQLDialect(d sqlsink.Dialect) QueryOption {
	return func(q *QueryService) { q.sqlDialect = d }
}

// WithProfile reports the risk profile size in stats.
func WithProfile(p *risk.Profile) QueryOption {
	return func(q *QueryService) { q.profile = p }
}

func NewQueryService(st *store.Store, sinks SinkController, logger *logging.Logger, opts ...QueryOption) *QueryService {
	if logger == nil {
		logger = logging.Default()
	}
	q := &QueryService{
		store:      st,
		sinks:      sinks,
		sqlDialect: sqlsink.SQLite,
		logger:     logger.Component("query"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Events returns matching events in ascending ID order.
func (q *QueryService) Events(f models.Filter) []*models.Event {
	return q.store.Query(f)
}

// StatsReport combines store aggregates with per-sink export health.
type StatsReport struct {
	GeneratedAt  time.Time              `json:"generated_at"`
	Store        store.Stats            `json:"store"`
	Sinks        []scheduler.SinkStatus `json:"sinks"`
	RiskProfile  int                    `json:"risk_profile_ports"`
	HealthySinks int                    `json:"healthy_sinks"`
}

func (q *QueryService) Stats() StatsReport {
	rep := StatsReport{
		GeneratedAt: q.now(),
		Store:       q.store.Stats(),
		Sinks:       []scheduler.SinkStatus{},
	}
	if q.sinks != nil {
		rep.Sinks = q.sinks.Statuses()
	}
	for _, s := range rep.Sinks {
		if s.Healthy {
			rep.HealthySinks++
		}
	}
	if q.profile != nil {
		rep.RiskProfile = q.profile.Len()
	}
	return rep
}

// Export is a rendered export document.
type Export struct {
	Format      string
	Filename    string
	ContentType string
	Body        []byte
	EventCount  int
	HeadID      uint64
	// FlushedSink names the sink flushed before rendering, if any.
	FlushedSink string
	FlushError  error
}

// Export flushes the first enabled sink of the matching kind, then renders
// the retained events matching f in format. Limit is ignored. A failed flush
// does not fail the export; it is reported in FlushError.
func (q *QueryService) Export(ctx context.Context, format string, f models.Filter) (*Export, error) {
	var kinds []string
	switch format {
	case FormatJSON:
		kinds = []string{jsonsink.Kind}
	case FormatSQL:
		kinds = []string{sqlsink.Kind, sqlsink.DumpKind}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	out := &Export{Format: format}
	if name := q.matchingSink(kinds); name != "" {
		out.FlushedSink = name
		if _, err := q.sinks.FlushNow(ctx, name); err != nil {
			out.FlushError = err
			q.logger.WarnContext(ctx, "export flush failed", logging.Sink(name), logging.Error(err))
		}
	}

	f.Limit = 0
	events, head := q.store.Select(f)
	out.EventCount = len(events)
	out.HeadID = head
	now := q.now()
	stamp := now.Format("20060102T150405Z")

	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		doc := jsonsink.NewDocument(events, now)
		doc.Metadata.Filters = jsonsink.FiltersFrom(f)
		if len(events) > 0 {
			doc.Metadata.FromID = events[0].ID
			doc.Metadata.ToID = events[len(events)-1].ID
		}
		if err := jsonsink.Encode(&buf, doc, jsonsink.CompressNone); err != nil {
			return nil, err
		}
		out.Filename = "trap-export-" + stamp + ".json"
		out.ContentType = "application/json"
	case FormatSQL:
		batch := models.Batch{Events: events, CreatedAt: now}
		if len(events) > 0 {
			batch.FromID, batch.ToID = events[0].ID, events[len(events)-1].ID
		}
		var comments []string
		if params := f.Values(); len(params) > 0 {
			comments = append(comments, "filters: "+params.Encode())
		}
		if err := sqlsink.WriteDump(&buf, q.sqlDialect, batch, now, comments...); err != nil {
			return nil, err
		}
		out.Filename = "trap-dump-" + stamp + ".sql"
		out.ContentType = "application/sql"
	}
	out.Body = buf.Bytes()
	return out, nil
}

func (q *QueryService) matchingSink(kinds []string) string {
	if q.sinks == nil {
		return ""
	}
	for _, st := range q.sinks.Statuses() {
		if st.State == scheduler.StateDisabled {
			continue
		}
		for _, k := range kinds {
			if st.Kind == k {
				return st.Name
			}
		}
	}
	return ""
}
