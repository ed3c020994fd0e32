package logging

import (
	"log/slog"
	"time"
)

// Field names shared across components so log queries stay consistent.
const (
	FieldService    = "service"
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldSink       = "sink"
	FieldSinkKind   = "sink_kind"
	FieldEventID    = "event_id"
	FieldEventType  = "event_type"
	FieldSource     = "source"
	FieldSession    = "session"
	FieldFromID     = "from_id"
	FieldToID       = "to_id"
	FieldCount      = "count"
	FieldThreat     = "threat_level"
	FieldScore      = "risk_score"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldFatal      = "fatal"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldRemoteAddr = "remote_addr"
)

func Service(name string) slog.Attr { return slog.String(FieldService, name) }

func Sink(name string) slog.Attr { return slog.String(FieldSink, name) }

func SinkKind(kind string) slog.Attr { return slog.String(FieldSinkKind, kind) }

func EventID(id uint64) slog.Attr { return slog.Uint64(FieldEventID, id) }

func EventType(t string) slog.Attr { return slog.String(FieldEventType, t) }

func Source(addr string) slog.Attr { return slog.String(FieldSource, addr) }

func Session(id string) slog.Attr { return slog.String(FieldSession, id) }

// Range returns the from/to attributes describing a batch.
func Range(from, to uint64) slog.Attr {
	return slog.Group("range", slog.Uint64(FieldFromID, from), slog.Uint64(FieldToID, to))
}

func Count(n int) slog.Attr { return slog.Int(FieldCount, n) }

func Threat(level string, score int) slog.Attr {
	return slog.Group("risk", slog.String(FieldThreat, level), slog.Int(FieldScore, score))
}

// Duration reports d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error yields an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func Fatal(fatal bool) slog.Attr { return slog.Bool(FieldFatal, fatal) }

func Method(method string) slog.Attr { return slog.String(FieldMethod, method) }

func Path(path string) slog.Attr { return slog.String(FieldPath, path) }

func Status(code int) slog.Attr { return slog.Int(FieldStatus, code) }
