// Package handlers exposes ingestion, queries, stats and exports over HTTP.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/telhawk-systems/telhawk-trap/common/httputil"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/service"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	defaultLimit        = 1000
	maxLimit            = 10000

	HeaderFlushError = "X-Trap-Flush-Error"
	HeaderEventCount = "X-Trap-Event-Count"
)

// Handler wires HTTP routes to the ingest and query services.
type Handler struct {
	ingest       *service.IngestService
	query        *service.QueryService
	maxBodyBytes int64
	logger       *logging.Logger
}

func New(ingest *service.IngestService, query *service.QueryService, maxBodyBytes int64, logger *logging.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		ingest:       ingest,
		query:        query,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.Component("http"),
	}
}

// Events handles GET and POST /api/v1/events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listEvents(w, r)
	case http.MethodPost:
		h.ingestEvents(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// EventsResponse is the body of GET /api/v1/events.
type EventsResponse struct {
	Count  int             `json:"count"`
	Events []*models.Event `json:"events"`
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	events := h.query.Events(f)
	if events == nil {
		events = []*models.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, EventsResponse{Count: len(events), Events: events})
}

func parseFilter(r *http.Request) (models.Filter, error) {
	f, err := parseSelection(r)
	if err != nil {
		return f, err
	}
	if f.Limit, err = httputil.ParseLimit(r.URL.Query().Get("limit"), defaultLimit, maxLimit); err != nil {
		return f, err
	}
	return f, nil
}

// parseSelection reads every filter parameter except limit.
func parseSelection(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	f := models.Filter{
		EventType:        q.Get("type"),
		SessionID:        q.Get("session"),
		SourceIdentifier: q.Get("source"),
	}

	var err error
	if f.AfterID, err = httputil.ParseUintParam(q.Get("since_id")); err != nil {
		return f, fmt.Errorf("since_id: %w", err)
	}
	if lvl := q.Get("level"); lvl != "" {
		if f.ThreatLevel, err = models.ParseThreatLevel(lvl); err != nil {
			return f, err
		}
	}
	if f.Since, err = httputil.ParseTimeParam(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = httputil.ParseTimeParam(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	return f, nil
}

func (h *Handler) ingestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	defer r.Body.Close()

	raws, err := decodeRecords(body)
	if err != nil {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(raws) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "no events in request body")
		return
	}

	res := h.ingest.IngestBatch(r.Context(), raws, service.SourceHTTP)
	if res.Rejected > 0 {
		h.logger.WarnContext(r.Context(), "events rejected",
			logging.Count(res.Rejected), "accepted", res.Accepted, logging.Source(httputil.GetClientIP(r)))
	}
	status := http.StatusAccepted
	if res.Accepted == 0 {
		status = http.StatusBadRequest
	}
	httputil.WriteJSON(w, status, res)
}

// decodeRecords accepts a single JSON object, a JSON array of objects, or
// newline-delimited objects.
func decodeRecords(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var raws []map[string]any
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}

	var raws []map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		var raw map[string]any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return raws, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(raws), err)
		}
		raws = append(raws, raw)
	}
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.query.Stats())
}

// Export handles GET /api/v1/export?format=json|sql. The default format is
// json. The filter parameters of /api/v1/events other than limit narrow the
// exported events.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = service.FormatJSON
	}
	f, err := parseSelection(r)
	if err != nil {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	exp, err := h.query.Export(r.Context(), format, f)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedFormat) {
			httputil.WriteErrorDetails(w, http.StatusBadRequest, "unsupported_format", err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "export failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set(HeaderEventCount, strconv.Itoa(exp.EventCount))
	if exp.FlushError != nil {
		w.Header().Set(HeaderFlushError, exp.FlushError.Error())
	}
	httputil.WriteAttachment(w, exp.ContentType, exp.Filename, exp.Body)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.query.Stats()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"head_id":       st.Store.HeadID,
		"healthy_sinks": st.HealthySinks,
		"sinks":         len(st.Sinks),
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}
