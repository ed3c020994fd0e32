package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/enricher"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/metrics"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/normalizer"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/risk"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/store"
)

// Ingestion sources, used as metric labels.
const (
	SourceHTTP = "http"
	SourceNATS = "nats"
)

// Notifier is told the new head after every append.
type Notifier interface {
	Notify(head uint64)
}

// IngestService turns raw honeypot records into stored, classified events.
type IngestService struct {
	store      *store.Store
	enricher   *enricher.Enricher
	classifier *risk.Classifier
	notifier   Notifier
	logger     *logging.Logger
	now        func() time.Time

	// Serializes enrichment and append so IDs follow enrichment order.
	mu sync.Mutex
}

func NewIngestService(st *store.Store, enr *enricher.Enricher, cls *risk.Classifier, notifier Notifier, logger *logging.Logger) *IngestService {
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestService{
		store:      st,
		enricher:   enr,
		classifier: cls,
		notifier:   notifier,
		logger:     logger.Component("ingest"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ItemError describes one rejected record of a batch.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult summarizes a multi-record ingest.
type BatchResult struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	IDs      []uint64    `json:"ids"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// Ingest normalizes one raw record and stores it.
func (s *IngestService) Ingest(ctx context.Context, raw map[string]any, source string) (*models.Event, error) {
	ev, err := normalizer.Normalize(raw, s.now())
	if err != nil {
		metrics.EventsRejected.WithLabelValues(source).Inc()
		return nil, err
	}
	return s.record(ctx, ev)
}

// IngestJSON decodes and stores one JSON object.
func (s *IngestService) IngestJSON(ctx context.Context, data []byte, source string) (*models.Event, error) {
	ev, err := normalizer.Decode(data, s.now())
	if err != nil {
		metrics.EventsRejected.WithLabelValues(source).Inc()
		return nil, err
	}
	return s.record(ctx, ev)
}

// IngestBatch stores every valid record and reports the rest.
func (s *IngestService) IngestBatch(ctx context.Context, raws []map[string]any, source string) BatchResult {
	res := BatchResult{IDs: make([]uint64, 0, len(raws))}
	for i, raw := range raws {
		ev, err := s.Ingest(ctx, raw, source)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, ItemError{Index: i, Error: err.Error()})
			continue
		}
		res.Accepted++
		res.IDs = append(res.IDs, ev.ID)
	}
	return res
}

func (s *IngestService) record(ctx context.Context, ev *models.Event) (*models.Event, error) {
	s.mu.Lock()
	if s.enricher != nil {
		s.enricher.Enrich(ev)
	}
	s.classifier.Apply(ev)
	id, err := s.store.Append(ev)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	ev.ID = id

	if s.notifier != nil {
		s.notifier.Notify(id)
	}
	metrics.EventsIngested.WithLabelValues(ev.EventType, string(ev.ThreatLevel)).Inc()

	if ev.ThreatLevel == models.ThreatCritical {
		s.logger.InfoContext(ctx, "critical event",
			logging.EventID(id),
			logging.EventType(ev.EventType),
			logging.Source(ev.SourceIdentifier),
			logging.Threat(string(ev.ThreatLevel), ev.RiskScore),
			"indicators", ev.Indicators)
	} else {
		s.logger.DebugContext(ctx, "event ingested", logging.EventID(id), logging.EventType(ev.EventType))
	}
	return ev, nil
}

// IsValidation reports whether err came from record validation.
func IsValidation(err error) bool {
	var ve *normalizer.ValidationError
	return errors.As(err, &ve)
}
