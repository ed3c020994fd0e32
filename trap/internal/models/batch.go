package models

import "time"

// Batch is a contiguous, ID-ordered run of events handed to a sink.
// A failed batch is retried with the same range.
type Batch struct {
	FromID    uint64
	ToID      uint64
	CreatedAt time.Time
	Events    []*Event
}

func (b Batch) Len() int { return len(b.Events) }

func (b Batch) Empty() bool { return len(b.Events) == 0 }

// NewBatch builds a batch over events, which must be ID-ordered.
func NewBatch(events []*Event) Batch {
	b := Batch{CreatedAt: time.Now().UTC(), Events: events}
	if len(events) > 0 {
		b.FromID = events[0].ID
		b.ToID = events[len(events)-1].ID
	}
	return b
}

// CountByType tallies events per event type.
func (b Batch) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, ev := range b.Events {
		counts[ev.EventType]++
	}
	return counts
}
