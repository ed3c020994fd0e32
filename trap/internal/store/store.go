// Package store keeps recent events in memory and tracks how far each export
// consumer has committed, so nothing is evicted before every sink has it.
package store

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/metrics"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

const DefaultMaxEvents = 10000

var ErrNilEvent = errors.New("nil event")

// Options configures a Store.
type Options struct {
	// MaxEvents is the soft retention limit.
	MaxEvents int
	// StartAfter makes the first assigned ID StartAfter+1, so IDs continue past
	// checkpoints persisted by earlier runs.
	StartAfter uint64
	Logger     *logging.Logger
}

// Store is an append-only, bounded event buffer with ID-ordered reads.
// Retained events always have contiguous IDs.
type Store struct {
	mu        sync.RWMutex
	events    []*models.Event
	nextID    uint64
	maxEvents int
	appended  uint64
	evicted   uint64

	consumers    map[string]uint64
	backpressure bool

	byType  map[string]int
	byLevel map[models.ThreatLevel]int

	logger *logging.Logger
}

// Stats is a point-in-time summary of retained events.
type Stats struct {
	HeadID       uint64                     `json:"head_id"`
	OldestID     uint64                     `json:"oldest_id"`
	Retained     int                        `json:"retained"`
	MaxEvents    int                        `json:"max_events"`
	Appended     uint64                     `json:"appended"`
	Evicted      uint64                     `json:"evicted"`
	Backpressure bool                       `json:"backpressure"`
	ByType       map[string]int             `json:"by_type"`
	ByLevel      map[models.ThreatLevel]int `json:"by_level"`
	OldestEvent  *time.Time                 `json:"oldest_event,omitempty"`
	LatestEvent  *time.Time                 `json:"latest_event,omitempty"`
}

func New(opts Options) *Store {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Store{
		events:    make([]*models.Event, 0, min(opts.MaxEvents, 1024)),
		nextID:    opts.StartAfter + 1,
		maxEvents: opts.MaxEvents,
		consumers: make(map[string]uint64),
		byType:    make(map[string]int),
		byLevel:   make(map[models.ThreatLevel]int),
		logger:    opts.Logger.Component("store"),
	}
}

// Append assigns the next ID to a copy of ev, stores it and returns the ID.
// The caller's event is not retained.
func (s *Store) Append(ev *models.Event) (uint64, error) {
	if ev == nil {
		return 0, ErrNilEvent
	}
	stored := ev.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored.ID = s.nextID
	s.nextID++
	s.events = append(s.events, stored)
	s.appended++
	s.byType[stored.EventType]++
	s.byLevel[stored.ThreatLevel]++

	s.evictLocked()
	metrics.StoreHeadID.Set(float64(stored.ID))
	return stored.ID, nil
}

// HeadID returns the highest assigned ID, or StartAfter when nothing was appended.
func (s *Store) HeadID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID - 1
}

// Query returns matching events in ascending ID order. With a limit, the
// oldest matches are returned; page forward with Filter.AfterID.
func (s *Store) Query(f models.Filter) []*models.Event {
	events, _ := s.Select(f)
	return events
}

// Select is Query that also returns the head ID the result was taken at.
func (s *Store) Select(f models.Filter) ([]*models.Event, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Event, 0, min(len(s.events), max(f.Limit, 16)))
	for _, ev := range s.events[s.indexAfterLocked(f.AfterID):] {
		if !f.Match(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, s.nextID - 1
}

// Slice returns retained events with fromID <= ID <= toID in ascending order.
func (s *Store) Slice(fromID, toID uint64) []*models.Event {
	if toID < fromID {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return nil
	}
	start := s.indexAfterLocked(fromID - min(fromID, 1))
	first := s.events[0].ID
	end := len(s.events)
	if toID < s.events[end-1].ID {
		if toID < first {
			return nil
		}
		end = int(toID-first) + 1
	}
	if start >= end {
		return nil
	}
	return append([]*models.Event(nil), s.events[start:end]...)
}

// Stats returns aggregates computed under one read lock.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		HeadID:       s.nextID - 1,
		Retained:     len(s.events),
		MaxEvents:    s.maxEvents,
		Appended:     s.appended,
		Evicted:      s.evicted,
		Backpressure: s.backpressure,
		ByType:       make(map[string]int, len(s.byType)),
		ByLevel:      make(map[models.ThreatLevel]int, len(s.byLevel)),
	}
	for k, v := range s.byType {
		st.ByType[k] = v
	}
	for k, v := range s.byLevel {
		st.ByLevel[k] = v
	}
	if n := len(s.events); n > 0 {
		st.OldestID = s.events[0].ID
		oldest, latest := s.events[0].Timestamp, s.events[n-1].Timestamp
		st.OldestEvent, st.LatestEvent = &oldest, &latest
	}
	return st
}

// Track registers an export consumer that has committed everything up to
// committed. Events above that are pinned until acknowledged.
func (s *Store) Track(consumer string, committed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[consumer] = committed
}

// Acknowledge records that consumer committed every event up to id and evicts
// whatever that released. Acknowledgements never move backwards.
func (s *Store) Acknowledge(consumer string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.consumers[consumer]; !ok || id <= cur {
		return
	}
	s.consumers[consumer] = id
	s.evictLocked()
}

// Untrack releases a consumer's pin, e.g. after the sink is disabled.
func (s *Store) Untrack(consumer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, consumer)
	s.evictLocked()
}

// indexAfterLocked returns the index of the first event with ID > afterID.
func (s *Store) indexAfterLocked(afterID uint64) int {
	if len(s.events) == 0 {
		return 0
	}
	first := s.events[0].ID
	if afterID < first {
		return 0
	}
	return min(int(afterID-first)+1, len(s.events))
}

func (s *Store) minAckLocked() uint64 {
	low := uint64(math.MaxUint64)
	for _, id := range s.consumers {
		low = min(low, id)
	}
	return low
}

func (s *Store) evictLocked() {
	if len(s.events) > s.maxEvents {
		pin := s.minAckLocked()
		n := 0
		for len(s.events)-n > s.maxEvents && s.events[n].ID <= pin {
			ev := s.events[n]
			s.byType[ev.EventType]--
			if s.byType[ev.EventType] == 0 {
				delete(s.byType, ev.EventType)
			}
			s.byLevel[ev.ThreatLevel]--
			if s.byLevel[ev.ThreatLevel] == 0 {
				delete(s.byLevel, ev.ThreatLevel)
			}
			s.events[n] = nil
			n++
		}
		if n > 0 {
			s.events = s.events[n:]
			s.evicted += uint64(n)
			metrics.StoreEvicted.Add(float64(n))
		}
	}

	over := len(s.events) > s.maxEvents
	switch {
	case over && !s.backpressure:
		s.backpressure = true
		metrics.StoreBackpressure.Set(1)
		s.logger.Warn("CapacityBackpressure: store above capacity, waiting on sink exports",
			"retained", len(s.events), "max_events", s.maxEvents, "pinned_at", s.minAckLocked())
	case !over && s.backpressure:
		s.backpressure = false
		metrics.StoreBackpressure.Set(0)
		s.logger.Info("store back within capacity", "retained", len(s.events))
	}
	metrics.StoreRetained.Set(float64(len(s.events)))
}
