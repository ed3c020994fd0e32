package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuthRoundTrip(t *testing.T) {
	auth := NewTokenAuth("s3cret")
	token, err := auth.Issue("analyst-1", []string{"reader"}, time.Minute)
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "analyst-1", claims.Subject)
	assert.Equal(t, []string{"reader"}, claims.Roles)
}

func TestTokenAuthRejects(t *testing.T) {
	auth := NewTokenAuth("s3cret")

	expired, err := auth.Issue("analyst-1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Validate(expired)
	assert.Error(t, err)

	foreign, err := NewTokenAuth("other").Issue("analyst-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = auth.Validate(foreign)
	assert.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	auth := NewTokenAuth("s3cret")
	valid, err := auth.Issue("analyst-1", nil, time.Minute)
	require.NoError(t, err)

	var subject string
	handler := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaims(r.Context())
		require.True(t, ok)
		subject = claims.Subject
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "no header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + valid, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "analyst-1", subject)
}
