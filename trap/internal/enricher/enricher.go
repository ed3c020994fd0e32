// Package enricher annotates events with per-source behaviour observed across
// the stream: rapid reconnects and repeated authentication failures.
package enricher

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

// Config tunes the behaviour windows.
type Config struct {
	// Window is how far back connections and failures are counted, in event time.
	Window time.Duration
	// ReconnectThreshold is the number of connections inside Window that marks
	// the newest one as a rapid reconnect.
	ReconnectThreshold int
	// CacheSize bounds the number of sources tracked.
	CacheSize int
}

func DefaultConfig() Config {
	return Config{Window: time.Minute, ReconnectThreshold: 3, CacheSize: 4096}
}

type history struct {
	connects []time.Time
	failures []time.Time
}

// Enricher keeps a bounded per-source history. Least recently seen sources are
// forgotten first.
type Enricher struct {
	cfg     Config
	mu      sync.Mutex
	sources *lru.Cache[string, *history]
}

func New(cfg Config) (*Enricher, error) {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ReconnectThreshold <= 0 {
		cfg.ReconnectThreshold = def.ReconnectThreshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	cache, err := lru.New[string, *history](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Enricher{cfg: cfg, sources: cache}, nil
}

// Enrich sets payload rapid_reconnect on connections and failed_attempts on
// failed logins, unless the sensor already supplied them.
func (e *Enricher) Enrich(ev *models.Event) {
	if ev.SourceIdentifier == "" {
		return
	}

	switch ev.EventType {
	case models.TypeConnection:
		e.mu.Lock()
		h := e.historyFor(ev.SourceIdentifier)
		h.connects = e.prune(append(h.connects, ev.Timestamp), ev.Timestamp)
		n := len(h.connects)
		e.mu.Unlock()

		if _, set := ev.Payload[models.KeyRapidReconnect]; !set && n >= e.cfg.ReconnectThreshold {
			e.ensurePayload(ev)[models.KeyRapidReconnect] = true
		}

	case models.TypeLoginAttempt:
		if ok, _ := ev.Payload.Bool(models.KeySuccess); ok {
			return
		}
		e.mu.Lock()
		h := e.historyFor(ev.SourceIdentifier)
		h.failures = e.prune(append(h.failures, ev.Timestamp), ev.Timestamp)
		n := len(h.failures)
		e.mu.Unlock()

		if _, set := ev.Payload[models.KeyFailedAttempts]; !set {
			e.ensurePayload(ev)[models.KeyFailedAttempts] = n
		}
	}
}

// Tracked returns the number of sources currently remembered.
func (e *Enricher) Tracked() int {
	return e.sources.Len()
}

func (e *Enricher) historyFor(source string) *history {
	h, ok := e.sources.Get(source)
	if !ok {
		h = &history{}
		e.sources.Add(source, h)
	}
	return h
}

// prune drops entries older than the window relative to now. Out-of-order
// timestamps newer than now are kept.
func (e *Enricher) prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-e.cfg.Window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (e *Enricher) ensurePayload(ev *models.Event) models.Payload {
	if ev.Payload == nil {
		ev.Payload = models.Payload{}
	}
	return ev.Payload
}
