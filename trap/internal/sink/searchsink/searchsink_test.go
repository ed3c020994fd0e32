package searchsink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sinktest"
)

// fakeCluster answers the bulk API, keeping indexed documents by ID.
type fakeCluster struct {
	mu         sync.Mutex
	docs       map[string]json.RawMessage
	status     int
	itemStatus int
}

func newFakeCluster(t *testing.T) (*fakeCluster, *httptest.Server) {
	fc := &fakeCluster{docs: make(map[string]json.RawMessage), status: http.StatusOK, itemStatus: http.StatusCreated}
	srv := httptest.NewServer(http.HandlerFunc(fc.handle))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeCluster) handle(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/_bulk") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if fc.status != http.StatusOK {
		w.WriteHeader(fc.status)
		fmt.Fprintf(w, `{"error":{"type":"security_exception","reason":"denied"},"status":%d}`, fc.status)
		return
	}

	var items []map[string]any
	failed := false
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var meta map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !scanner.Scan() {
			break
		}
		action := meta["index"]
		item := map[string]any{"_index": action.Index, "_id": action.ID, "status": fc.itemStatus}
		if fc.itemStatus >= 300 {
			failed = true
			item["error"] = map[string]any{"type": "rejected", "reason": "nope"}
		} else {
			fc.docs[action.ID] = append(json.RawMessage(nil), scanner.Bytes()...)
		}
		items = append(items, map[string]any{"index": item})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": failed, "items": items})
}

func (fc *fakeCluster) count() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.docs)
}

func newSink(t *testing.T, url string) *Sink {
	t.Helper()
	s, err := New("search", config.OpenSearchConfig{URL: url}, logging.Discard())
	require.NoError(t, err)
	return s
}

func TestFlushIndexesByEventID(t *testing.T) {
	fc, srv := newFakeCluster(t)
	s := newSink(t, srv.URL)
	ctx := context.Background()

	upTo, err := s.Flush(ctx, sinktest.Batch(1, 8))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), upTo)

	_, err = s.Flush(ctx, sinktest.Batch(5, 4))
	require.NoError(t, err)
	assert.Equal(t, 8, fc.count(), "re-indexing overwrites documents")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(fc.docs["3"], &doc))
	assert.Equal(t, "login-attempt", doc["event_type"])
}

func TestFlushAuthFailureIsFatal(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			fc, srv := newFakeCluster(t)
			fc.status = status
			s := newSink(t, srv.URL)

			_, err := s.Flush(context.Background(), sinktest.Batch(1, 2))
			require.Error(t, err)
			assert.True(t, sink.IsFatal(err))
		})
	}
}

func TestFlushItemFailures(t *testing.T) {
	tests := []struct {
		status int
		fatal  bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fc, srv := newFakeCluster(t)
			fc.itemStatus = tt.status
			s := newSink(t, srv.URL)

			_, err := s.Flush(context.Background(), sinktest.Batch(1, 3))
			require.Error(t, err)
			assert.Equal(t, tt.fatal, sink.IsFatal(err))
			assert.Contains(t, err.Error(), "3 of 3 documents failed")
		})
	}
}

func TestFlushSkipsUnindexableDocuments(t *testing.T) {
	fc, srv := newFakeCluster(t)
	fc.itemStatus = http.StatusBadRequest
	s := newSink(t, srv.URL)

	upTo, err := s.Flush(context.Background(), sinktest.Batch(1, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), upTo)
	assert.Zero(t, fc.count())
}

func TestFlushUnreachableClusterIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := newSink(t, url)
	_, err := s.Flush(context.Background(), sinktest.Batch(1, 1))
	require.Error(t, err)
	assert.False(t, sink.IsFatal(err))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New("search", config.OpenSearchConfig{}, nil)
	assert.Error(t, err)
}
