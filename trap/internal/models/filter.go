package models

import (
	"net/url"
	"strconv"
	"time"
)

// Filter selects events from the store. Zero-valued fields match everything;
// set fields are ANDed.
type Filter struct {
	EventType        string
	SourceIdentifier string
	SessionID        string
	ThreatLevel      ThreatLevel
	Since            time.Time // inclusive
	Until            time.Time // exclusive
	AfterID          uint64
	// Limit caps the result to the oldest matching events; 0 means no cap.
	Limit int
}

// Values renders the set predicates, except Limit, as query parameters of
// the events API.
func (f Filter) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("type", f.EventType)
	set("source", f.SourceIdentifier)
	set("session", f.SessionID)
	set("level", string(f.ThreatLevel))
	if !f.Since.IsZero() {
		set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		set("until", f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.AfterID > 0 {
		set("since_id", strconv.FormatUint(f.AfterID, 10))
	}
	return v
}

// Match reports whether ev satisfies every predicate except Limit.
func (f Filter) Match(ev *Event) bool {
	if ev.ID <= f.AfterID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.SourceIdentifier != "" && ev.SourceIdentifier != f.SourceIdentifier {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.ThreatLevel != "" && ev.ThreatLevel != f.ThreatLevel {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
