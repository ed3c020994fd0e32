package httputil

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": " 203.0.113.195 , 70.41.3.18"}, want: "203.0.113.195"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
		{name: "remote addr", remote: "192.0.2.10:5555", want: "192.0.2.10:5555"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestParseLimit(t *testing.T) {
	v, err := ParseLimit("", 100, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	v, err = ParseLimit("5000", 100, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, v)

	_, err = ParseLimit("0", 100, 1000)
	assert.Error(t, err)
	_, err = ParseLimit("ten", 100, 1000)
	assert.Error(t, err)
}

func TestParseUintParam(t *testing.T) {
	v, err := ParseUintParam("")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = ParseUintParam("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = ParseUintParam("-1")
	assert.Error(t, err)
}

func TestParseTimeParam(t *testing.T) {
	got, err := ParseTimeParam("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	got, err = ParseTimeParam("1709287200")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	zero, err := ParseTimeParam("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseTimeParam("yesterday")
	assert.Error(t, err)
}
