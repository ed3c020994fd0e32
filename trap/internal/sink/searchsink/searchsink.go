// Package searchsink indexes exported events into OpenSearch.
package searchsink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/metrics"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

const (
	Kind         = "opensearch"
	DefaultIndex = "trap-events"
)

// Sink bulk-indexes each batch. Documents are keyed by event ID, so indexing
// a range twice overwrites the same documents.
type Sink struct {
	name   string
	index  string
	client *opensearch.Client
	guard  *authGuard
	logger *logging.Logger
}

// New builds a client for cfg. No request is made until the first flush.
func New(name string, cfg config.OpenSearchConfig, logger *logging.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("searchsink: url is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}

	guard := &authGuard{next: &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Insecure, //nolint:gosec // opt-in for self-signed dev clusters
		},
	}}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:  []string{cfg.URL},
		Username:   cfg.Username,
		Password:   cfg.Password,
		Transport:  guard,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Sink{
		name:   name,
		index:  index,
		client: client,
		guard:  guard,
		logger: logger.Component("searchsink").With(logging.Sink(name), "index", index),
	}, nil
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Kind() string { return Kind }

// Flush indexes the batch. It succeeds once every document was either
// accepted or rejected by the cluster as unindexable; rejected documents are
// logged and skipped since they fail the same way on every retry.
func (s *Sink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	if batch.Empty() {
		return batch.ToID, nil
	}
	s.guard.reset()

	var (
		mu       sync.Mutex
		failures []error
		rejected []string
		fatal    atomic.Bool
	)
	fail := func(err error, isFatal bool) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
		if isFatal {
			fatal.Store(true)
		}
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        s.client,
		Index:         s.index,
		NumWorkers:    1,
		FlushInterval: time.Hour,
	})
	if err != nil {
		return 0, sink.Fatal(fmt.Errorf("failed to create bulk indexer: %w", err))
	}

	for _, ev := range batch.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			_ = bi.Close(ctx)
			return 0, sink.Fatal(fmt.Errorf("marshal event %d: %w", ev.ID, err))
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Index:      s.index,
			Action:     "index",
			DocumentID: strconv.FormatUint(ev.ID, 10),
			Body:       bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					fail(err, false)
					return
				}
				if res.Status == http.StatusBadRequest {
					mu.Lock()
					rejected = append(rejected, item.DocumentID)
					mu.Unlock()
					s.logger.Warn("document rejected",
						"document_id", item.DocumentID, "error_type", res.Error.Type, "reason", res.Error.Reason)
					return
				}
				fail(fmt.Errorf("document %s: %d %s: %s", item.DocumentID, res.Status, res.Error.Type, res.Error.Reason),
					fatalStatus(res.Status))
			},
		})
		if err != nil {
			_ = bi.Close(ctx)
			return 0, sink.Transient(fmt.Errorf("failed to add to bulk indexer: %w", err))
		}
	}
	if err := bi.Close(ctx); err != nil {
		fail(err, false)
	}

	if status := s.guard.denied(); status != 0 {
		return 0, sink.Fatalf("opensearch rejected credentials: HTTP %d", status)
	}
	if len(failures) > 0 {
		err := fmt.Errorf("%d of %d documents failed: %w", len(failures), batch.Len(), errors.Join(failures...))
		if fatal.Load() {
			return 0, sink.Fatal(err)
		}
		return 0, sink.Transient(err)
	}

	if len(rejected) > 0 {
		metrics.ExportSkipped.WithLabelValues(s.name).Add(float64(len(rejected)))
	}
	s.logger.Debug("batch indexed", logging.Range(batch.FromID, batch.ToID),
		logging.Count(batch.Len()-len(rejected)), "skipped", len(rejected))
	return batch.ToID, nil
}

// fatalStatus reports item statuses that stop the whole sink: credentials
// refused or the index missing.
func fatalStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// authGuard remembers whether the cluster refused our credentials; the bulk
// indexer only reports such failures as text.
type authGuard struct {
	next   http.RoundTripper
	status atomic.Int32
}

func (g *authGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := g.next.RoundTrip(req)
	if err == nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
		g.status.Store(int32(res.StatusCode))
	}
	return res, err
}

func (g *authGuard) reset()      { g.status.Store(0) }
func (g *authGuard) denied() int { return int(g.status.Load()) }
