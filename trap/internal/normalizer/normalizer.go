// Package normalizer turns raw honeypot records into validated events.
package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

// ValidationError reports a malformed raw event. Rejected events are never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// honeypotTypes maps sensor event IDs onto engine event types.
var honeypotTypes = map[string]string{
	"cowrie.session.connect":       models.TypeConnection,
	"cowrie.session.closed":        models.TypeSessionClosed,
	"cowrie.login.success":         models.TypeLoginAttempt,
	"cowrie.login.failed":          models.TypeLoginAttempt,
	"cowrie.command.input":         models.TypeCommand,
	"cowrie.command.failed":        models.TypeCommand,
	"cowrie.session.file_download": models.TypeDownload,
	"cowrie.session.file_upload":   models.TypeDownload,
	"cowrie.client.version":        models.TypeClientVersion,
}

// Top-level keys consumed into Event fields; everything else lands in the payload.
var reservedKeys = map[string]struct{}{
	"id": {}, "event_type": {}, "eventid": {}, "timestamp": {}, "time": {},
	"source_identifier": {}, "src_ip": {}, "session_id": {}, "session": {},
	"target_port": {}, "dst_port": {}, "payload": {},
	"risk_score": {}, "threat_level": {}, "indicators": {}, "received_at": {},
}

// Normalize validates raw and builds an unclassified event.
func Normalize(raw map[string]any, receivedAt time.Time) (*models.Event, error) {
	if len(raw) == 0 {
		return nil, invalid("event", "empty record")
	}

	eventType, eventID, err := eventTypeOf(raw)
	if err != nil {
		return nil, err
	}

	ts, err := timestampOf(raw)
	if err != nil {
		return nil, err
	}

	source := firstString(raw, "source_identifier", "src_ip")
	if source == "" {
		return nil, invalid("source_identifier", "missing")
	}

	port, err := portOf(raw)
	if err != nil {
		return nil, err
	}

	payload := models.Payload{}
	if nested, ok := raw["payload"]; ok {
		m, ok := nested.(map[string]any)
		if !ok {
			return nil, invalid("payload", "must be an object")
		}
		for k, v := range m {
			payload[k] = v
		}
	}
	for k, v := range raw {
		if _, reserved := reservedKeys[k]; !reserved {
			payload[k] = v
		}
	}

	switch eventID {
	case "cowrie.login.success":
		if _, set := payload[models.KeySuccess]; !set {
			payload[models.KeySuccess] = true
		}
	case "cowrie.login.failed":
		if _, set := payload[models.KeySuccess]; !set {
			payload[models.KeySuccess] = false
		}
	}
	if eventType == models.TypeLoginAttempt {
		if _, ok := payload.String(models.KeyUsername); !ok {
			return nil, invalid(models.KeyUsername, "required for %s", eventType)
		}
	}
	if eventType == models.TypeCommand {
		if _, ok := payload.String(models.KeyInput); !ok {
			return nil, invalid(models.KeyInput, "required for %s", eventType)
		}
	}

	return &models.Event{
		Timestamp:        ts,
		ReceivedAt:       receivedAt.UTC(),
		EventType:        eventType,
		SourceIdentifier: source,
		SessionID:        firstString(raw, "session_id", "session"),
		TargetPort:       port,
		Payload:          payload,
	}, nil
}

// Decode parses a JSON object and normalizes it.
func Decode(data []byte, receivedAt time.Time) (*models.Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalid("event", "not a JSON object: %v", err)
	}
	return Normalize(raw, receivedAt)
}

func eventTypeOf(raw map[string]any) (string, string, error) {
	if t, ok := raw["event_type"].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t), "", nil
	}
	id, ok := raw["eventid"].(string)
	if !ok || id == "" {
		return "", "", invalid("event_type", "missing")
	}
	if t, known := honeypotTypes[id]; known {
		return t, id, nil
	}
	return strings.TrimPrefix(id, "cowrie."), id, nil
}

func timestampOf(raw map[string]any) (time.Time, error) {
	v, ok := raw["timestamp"]
	if !ok {
		v, ok = raw["time"]
	}
	if !ok {
		return time.Time{}, invalid("timestamp", "missing")
	}

	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, invalid("timestamp", "not RFC3339: %q", t)
		}
		return parsed.UTC(), nil
	case float64:
		return unixSeconds(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, invalid("timestamp", "not a number: %q", t.String())
		}
		return unixSeconds(f)
	default:
		return time.Time{}, invalid("timestamp", "unsupported type %T", v)
	}
}

// maxUnixSeconds is 9999-12-31T23:59:59Z, the last instant RFC3339 can express.
const maxUnixSeconds = 253402300799

func unixSeconds(f float64) (time.Time, error) {
	if !(f > 0 && f <= maxUnixSeconds) {
		return time.Time{}, invalid("timestamp", "out of range: %v", f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

func portOf(raw map[string]any) (int, error) {
	v, ok := raw["target_port"]
	if !ok {
		v, ok = raw["dst_port"]
	}
	if !ok || v == nil {
		return 0, nil
	}

	var port float64
	switch p := v.(type) {
	case float64:
		port = p
	case int:
		port = float64(p)
	case json.Number:
		f, err := p.Float64()
		if err != nil {
			return 0, invalid("target_port", "not a number: %q", p.String())
		}
		port = f
	case string:
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, invalid("target_port", "not a number: %q", p)
		}
		port = float64(n)
	default:
		return 0, invalid("target_port", "unsupported type %T", v)
	}

	if port != math.Trunc(port) || port < 0 || port > 65535 {
		return 0, invalid("target_port", "out of range: %v", port)
	}
	return int(port), nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
