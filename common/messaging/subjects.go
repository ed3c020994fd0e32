package messaging

import "strings"

// Subjects follow {domain}.{action}.{resource}.
const (
	// SubjectHoneypotEvents is the wildcard the sensor publishes raw events under,
	// one token per sensor: honeypot.events.<sensor>.
	SubjectHoneypotEvents = "honeypot.events.>"

	// SubjectExportPrefix prefixes every exported event: trap.export.<event_type>.
	SubjectExportPrefix = "trap.export"

	// QueueIngestWorkers shares raw events between trap instances.
	QueueIngestWorkers = "trap-ingest"
)

// ExportSubject returns the subject an exported event of eventType is published on.
// Characters NATS treats as token separators or wildcards are replaced.
func ExportSubject(prefix, eventType string) string {
	if prefix == "" {
		prefix = SubjectExportPrefix
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, eventType)
	if token == "" {
		token = "unknown"
	}
	return prefix + "." + token
}
