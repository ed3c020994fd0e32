// Package models holds the event types shared by the store, classifier and sinks.
package models

import (
	"encoding/json"
	"time"
)

// Event types emitted by the honeypot normalizer. The set is open; sinks
// treat unknown types as plain events.
const (
	TypeConnection    = "connection"
	TypeSessionClosed = "session-closed"
	TypeLoginAttempt  = "login-attempt"
	TypeCommand       = "command"
	TypeDownload      = "download"
	TypeClientVersion = "client-version"
)

// Well-known payload keys.
const (
	KeySensor         = "sensor"
	KeyDstIP          = "dst_ip"
	KeySrcPort        = "src_port"
	KeyProtocol       = "protocol"
	KeyDuration       = "duration"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeySuccess        = "success"
	KeyFailedAttempts = "failed_attempts"
	KeyInput          = "input"
	KeyURL            = "url"
	KeyOutfile        = "outfile"
	KeyShasum         = "shasum"
	KeyVersion        = "version"
	KeyMessage        = "message"
	KeyRapidReconnect = "rapid_reconnect"
)

// Event is a classified security event. Once appended to the store it is
// never modified.
type Event struct {
	ID               uint64      `json:"id"`
	Timestamp        time.Time   `json:"timestamp"`
	ReceivedAt       time.Time   `json:"received_at"`
	EventType        string      `json:"event_type"`
	SourceIdentifier string      `json:"source_identifier"`
	SessionID        string      `json:"session_id,omitempty"`
	TargetPort       int         `json:"target_port,omitempty"`
	Payload          Payload     `json:"payload,omitempty"`
	RiskScore        int         `json:"risk_score"`
	ThreatLevel      ThreatLevel `json:"threat_level"`
	Indicators       []string    `json:"indicators,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = e.Payload.Clone()
	if e.Indicators != nil {
		c.Indicators = append([]string(nil), e.Indicators...)
	}
	return &c
}

// Payload is the schema-less body of an event. Keys are emitted sorted when
// encoded, which is the stable order every sink relies on.
type Payload map[string]any

// Clone deep-copies nested maps and slices produced by JSON decoding.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// String returns the value at key when it is a string.
func (p Payload) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Bool returns the value at key when it is a boolean.
func (p Payload) Bool(key string) (bool, bool) {
	b, ok := p[key].(bool)
	return b, ok
}

// Float returns the value at key as a float64 for any numeric representation.
func (p Payload) Float(key string) (float64, bool) {
	switch n := p[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int returns the value at key truncated to an int.
func (p Payload) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	return int(f), ok
}
