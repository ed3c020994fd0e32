package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// GetClientIP extracts the client address, honouring proxy headers in order:
// X-Forwarded-For (first entry), X-Real-IP, then RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// ParseLimit parses a limit parameter clamped to [1, maxLimit]. Empty yields defaultVal.
func ParseLimit(s string, defaultVal, maxLimit int) (int, error) {
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", s)
	}
	if v > maxLimit {
		v = maxLimit
	}
	return v, nil
}

// ParseUintParam parses a non-negative integer parameter; empty yields 0.
func ParseUintParam(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a non-negative integer, got %q", s)
	}
	return v, nil
}

// ParseTimeParam accepts RFC3339 timestamps or unix seconds; empty yields the zero time.
func ParseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or unix seconds, got %q", s)
}
