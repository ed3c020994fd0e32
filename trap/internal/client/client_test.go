package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/httputil"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/service"
)

func TestSendEventsPostsNDJSON(t *testing.T) {
	var lines []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			var m map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
			lines = append(lines, m)
		}
		httputil.WriteJSON(w, http.StatusAccepted, service.BatchResult{Accepted: len(lines), IDs: []uint64{1, 2}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	res, err := c.SendEvents(context.Background(), []map[string]any{{"event_type": "connection"}, {"event_type": "command"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, lines, 2)
	assert.Equal(t, "command", lines[1]["event_type"])
}

func TestSendEventsSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "invalid_json", "unexpected EOF")
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").SendEvents(context.Background(), []map[string]any{{}})
	assert.EqualError(t, err, "invalid_json: unexpected EOF (status 400)")
}

func TestExportReadsAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sql", r.URL.Query().Get("format"))
		assert.Equal(t, "login-attempt", r.URL.Query().Get("type"))
		assert.Equal(t, "2024-06-01T00:00:00Z", r.URL.Query().Get("since"))
		assert.False(t, r.URL.Query().Has("session"))
		w.Header().Set("X-Trap-Flush-Error", "db down")
		httputil.WriteAttachment(w, "application/sql", "trap-dump-20240601T120000Z.sql", []byte("COMMIT;\n"))
	}))
	defer srv.Close()

	d, err := New(srv.URL, "").Export(context.Background(), "sql", models.Filter{
		EventType: "login-attempt",
		Since:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "trap-dump-20240601T120000Z.sql", d.Filename)
	assert.Equal(t, "COMMIT;\n", string(d.Body))
	assert.Equal(t, "db down", d.FlushError)
}

func TestStatsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad").Stats(context.Background())
	assert.ErrorContains(t, err, "status 401")
}
