// Package jsonsink exports each batch as a self-describing JSON document.
package jsonsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

const (
	Kind          = "json"
	FormatVersion = "1.0"
	filePrefix    = "trap-export"
)

// Compression of export files.
const (
	CompressNone = "none"
	CompressGzip = "gzip"
	CompressZstd = "zstd"
)

// Config configures a JSON sink.
type Config struct {
	Name         string
	Dir          string
	Compress     string
	ExcludeTypes []string
}

// Document is the on-disk export layout.
type Document struct {
	Metadata Metadata        `json:"export_metadata"`
	Events   []*models.Event `json:"events"`
}

type Metadata struct {
	ExportID        string         `json:"export_id"`
	ExportedAt      time.Time      `json:"exported_at"`
	FormatVersion   string         `json:"format_version"`
	EventCount      int            `json:"event_count"`
	FromID          uint64         `json:"from_id,omitempty"`
	ToID            uint64         `json:"to_id,omitempty"`
	Filters         Filters        `json:"filters"`
	EventStatistics map[string]int `json:"event_statistics"`
}

// Filters records the selection an export was made with.
type Filters struct {
	ExcludedTypes    []string   `json:"excluded_types"`
	EventType        string     `json:"event_type,omitempty"`
	SourceIdentifier string     `json:"source_identifier,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	ThreatLevel      string     `json:"threat_level,omitempty"`
	Since            *time.Time `json:"since,omitempty"`
	Until            *time.Time `json:"until,omitempty"`
	AfterID          uint64     `json:"since_id,omitempty"`
}

// FiltersFrom describes the predicates of f.
func FiltersFrom(f models.Filter) Filters {
	out := Filters{
		ExcludedTypes:    []string{},
		EventType:        f.EventType,
		SourceIdentifier: f.SourceIdentifier,
		SessionID:        f.SessionID,
		ThreatLevel:      string(f.ThreatLevel),
		AfterID:          f.AfterID,
	}
	if !f.Since.IsZero() {
		t := f.Since.UTC()
		out.Since = &t
	}
	if !f.Until.IsZero() {
		t := f.Until.UTC()
		out.Until = &t
	}
	return out
}

// Sink writes one file per flush, named after the flushed range.
type Sink struct {
	cfg     Config
	fs      afero.Fs
	exclude map[string]struct{}
	logger  *logging.Logger
	now     func() time.Time
}

// Option customizes a Sink.
type Option func(*Sink)

// WithFs replaces the OS filesystem, mostly for tests.
func WithFs(fs afero.Fs) Option {
	return func(s *Sink) { s.fs = fs }
}

// WithClock overrides the export timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

func New(cfg Config, logger *logging.Logger, opts ...Option) (*Sink, error) {
	switch cfg.Compress {
	case "":
		cfg.Compress = CompressNone
	case CompressNone, CompressGzip, CompressZstd:
	default:
		return nil, fmt.Errorf("jsonsink: unknown compression %q", cfg.Compress)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("jsonsink: dir is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Sink{
		cfg:     cfg,
		fs:      afero.NewOsFs(),
		exclude: make(map[string]struct{}, len(cfg.ExcludeTypes)),
		logger:  logger.Component("jsonsink").With(logging.Sink(cfg.Name)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, t := range cfg.ExcludeTypes {
		s.exclude[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sink) Name() string { return s.cfg.Name }
func (s *Sink) Kind() string { return Kind }

// Flush writes the batch to <dir>/trap-export-<from>-<to>.json[.gz|.zst].
// Excluded event types are left out of the document but the whole range is
// still committed.
func (s *Sink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	if batch.Empty() {
		return batch.ToID, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, sink.Transient(err)
	}

	doc := s.document(batch)
	name := sink.RangeFileName(filePrefix, batch.FromID, batch.ToID, s.extension())
	path, err := sink.WriteFileAtomic(s.fs, s.cfg.Dir, name, func(w io.Writer) error {
		return Encode(w, doc, s.cfg.Compress)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("export written", "path", path, logging.Range(batch.FromID, batch.ToID), logging.Count(len(doc.Events)))
	return batch.ToID, nil
}

// Checkpoint returns the highest ID covered by an export file in the directory.
func (s *Sink) Checkpoint(ctx context.Context) (uint64, error) {
	return sink.HighestExportedID(s.fs, s.cfg.Dir, filePrefix)
}

func (s *Sink) document(batch models.Batch) *Document {
	events := batch.Events
	if len(s.exclude) > 0 {
		events = make([]*models.Event, 0, len(batch.Events))
		for _, ev := range batch.Events {
			if _, skip := s.exclude[ev.EventType]; !skip {
				events = append(events, ev)
			}
		}
	}
	doc := NewDocument(events, s.now())
	doc.Metadata.FromID = batch.FromID
	doc.Metadata.ToID = batch.ToID
	doc.Metadata.Filters.ExcludedTypes = append(doc.Metadata.Filters.ExcludedTypes, s.cfg.ExcludeTypes...)
	return doc
}

func (s *Sink) extension() string {
	switch s.cfg.Compress {
	case CompressGzip:
		return ".json.gz"
	case CompressZstd:
		return ".json.zst"
	default:
		return ".json"
	}
}

// NewDocument wraps events with export metadata.
func NewDocument(events []*models.Event, exportedAt time.Time) *Document {
	if events == nil {
		events = []*models.Event{}
	}
	stats := make(map[string]int)
	for _, ev := range events {
		stats[ev.EventType]++
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Document{
		Metadata: Metadata{
			ExportID:        id.String(),
			ExportedAt:      exportedAt,
			FormatVersion:   FormatVersion,
			EventCount:      len(events),
			Filters:         Filters{ExcludedTypes: []string{}},
			EventStatistics: stats,
		},
		Events: events,
	}
}

// Encode writes doc as indented JSON through the requested compression.
func Encode(w io.Writer, doc *Document, compress string) error {
	var (
		out    io.Writer = w
		closer io.Closer
	)
	switch compress {
	case CompressGzip:
		gz := gzip.NewWriter(w)
		out, closer = gz, gz
	case CompressZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		out, closer = zw, zw
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return fmt.Errorf("encode export: %w", err)
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// Decode reads a document written by Encode.
func Decode(r io.Reader, compress string) (*Document, error) {
	in := r
	switch compress {
	case CompressGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		in = gz
	case CompressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		in = zr
	}
	var doc Document
	if err := json.NewDecoder(in).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &doc, nil
}
