package sqlsink

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

type mergeRule int

const (
	keepExisting mergeRule = iota
	preferIncoming
	takeEarliest
)

type merge struct {
	column string
	rule   mergeRule
}

// table describes one export table. A table without merges ignores rows whose
// key already exists.
type table struct {
	name    string
	key     string
	columns []string
	merges  []merge
	// widths caps text columns at the narrowest size any backend declares.
	widths map[string]int
}

var (
	sessionsTable = &table{
		name:    "sessions",
		key:     "id",
		columns: []string{"id", "source_identifier", "sensor", "target_port", "start_time", "end_time", "client_version"},
		merges: []merge{
			{"source_identifier", keepExisting},
			{"sensor", keepExisting},
			{"target_port", keepExisting},
			{"start_time", takeEarliest},
			{"end_time", preferIncoming},
			{"client_version", preferIncoming},
		},
		widths: map[string]int{"id": 255, "source_identifier": 255, "sensor": 255, "client_version": 255},
	}
	eventsTable = &table{
		name: "events",
		key:  "id",
		columns: []string{"id", "event_type", "occurred_at", "received_at", "source_identifier", "session_id",
			"target_port", "risk_score", "threat_level", "indicators", "payload"},
		widths: map[string]int{"event_type": 64, "source_identifier": 255, "session_id": 255, "threat_level": 16},
	}
	authTable = &table{
		name:    "auth_attempts",
		key:     "event_id",
		columns: []string{"event_id", "session_id", "occurred_at", "username", "password", "success"},
		widths:  map[string]int{"session_id": 255},
	}
	commandsTable = &table{
		name:    "commands",
		key:     "event_id",
		columns: []string{"event_id", "session_id", "occurred_at", "input"},
		widths:  map[string]int{"session_id": 255},
	}
	downloadsTable = &table{
		name:    "downloads",
		key:     "event_id",
		columns: []string{"event_id", "session_id", "occurred_at", "url", "outfile", "shasum"},
		widths:  map[string]int{"session_id": 255, "shasum": 128},
	}
)

// Tables lists the export tables in write order.
var Tables = []string{"sessions", "events", "auth_attempts", "commands", "downloads"}

type section struct {
	table *table
	rows  [][]any
}

// buildSections maps a batch onto table rows, in the order they are written.
// Row values are plain Go values; nil is NULL.
func buildSections(batch models.Batch) []section {
	sessions := &section{table: sessionsTable}
	events := &section{table: eventsTable}
	auth := &section{table: authTable}
	commands := &section{table: commandsTable}
	downloads := &section{table: downloadsTable}

	sessionRows := make(map[string][]any)
	for _, ev := range batch.Events {
		id := int64(ev.ID)
		session := nullString(ev.SessionID)

		events.rows = append(events.rows, []any{
			id, ev.EventType, ev.Timestamp, ev.ReceivedAt, ev.SourceIdentifier, session,
			nullPort(ev.TargetPort), int64(ev.RiskScore), string(ev.ThreatLevel),
			jsonText(cleanValue(ev.Indicators), len(ev.Indicators) == 0),
			jsonText(cleanValue(ev.Payload), ev.Payload == nil),
		})

		switch ev.EventType {
		case models.TypeLoginAttempt:
			var success any
			if v, ok := ev.Payload.Bool(models.KeySuccess); ok {
				success = v
			}
			auth.rows = append(auth.rows, []any{
				id, session, ev.Timestamp,
				payloadText(ev.Payload, models.KeyUsername), payloadText(ev.Payload, models.KeyPassword), success,
			})
		case models.TypeCommand:
			commands.rows = append(commands.rows, []any{id, session, ev.Timestamp, payloadText(ev.Payload, models.KeyInput)})
		case models.TypeDownload:
			downloads.rows = append(downloads.rows, []any{
				id, session, ev.Timestamp,
				payloadText(ev.Payload, models.KeyURL), payloadText(ev.Payload, models.KeyOutfile),
				payloadText(ev.Payload, models.KeyShasum),
			})
		}

		if ev.SessionID == "" {
			continue
		}
		row, ok := sessionRows[ev.SessionID]
		if !ok {
			row = []any{ev.SessionID, ev.SourceIdentifier, nil, nullPort(ev.TargetPort), ev.Timestamp, nil, nil}
			sessionRows[ev.SessionID] = row
			sessions.rows = append(sessions.rows, row)
		}
		if start, _ := row[4].(time.Time); ev.Timestamp.Before(start) {
			row[4] = ev.Timestamp
		}
		if row[2] == nil {
			row[2] = payloadText(ev.Payload, models.KeySensor)
		}
		switch ev.EventType {
		case models.TypeSessionClosed:
			row[5] = ev.Timestamp
		case models.TypeClientVersion:
			row[6] = payloadText(ev.Payload, models.KeyVersion)
		}
	}

	out := []section{*sessions, *events, *auth, *commands, *downloads}
	for _, sec := range out {
		for _, row := range sec.rows {
			sec.table.sanitize(row)
		}
	}
	return out
}

// sanitize rewrites text values in place so every backend accepts them:
// NUL bytes and invalid UTF-8 are removed and values are cut to column width.
func (t *table) sanitize(row []any) {
	for i, v := range row {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = cleanText(s)
		if n := t.widths[t.columns[i]]; n > 0 {
			s = truncateRunes(s, n)
		}
		row[i] = s
	}
}

func cleanText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// cleanValue applies cleanText to every string inside a decoded JSON value.
func cleanValue(v any) any {
	switch x := v.(type) {
	case string:
		return cleanText(x)
	case models.Payload:
		return cleanValue(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[cleanText(k)] = cleanValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cleanValue(e)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = cleanText(e)
		}
		return out
	}
	return v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func payloadText(p models.Payload, key string) any {
	s, _ := p.String(key)
	return nullString(s)
}

func nullPort(port int) any {
	if port == 0 {
		return nil
	}
	return int64(port)
}

func jsonText(v any, null bool) any {
	if null {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}
