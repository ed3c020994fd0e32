// Package scheduler decides when each sink flushes and tracks its health.
//
// Every registered sink gets its own worker goroutine. A worker flushes on
// its interval, when the backlog reaches the buffer threshold, or on an
// explicit FlushNow. Triggers that arrive while a flush is running collapse
// into one follow-up flush. Workers never share state, so a failing sink does
// not delay the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

var (
	ErrUnknownSink  = errors.New("unknown sink")
	ErrSinkDisabled = errors.New("sink disabled")
	ErrStopped      = errors.New("scheduler stopped")
	ErrDuplicate    = errors.New("sink already registered")
	ErrStarted      = errors.New("scheduler already started")
)

// Source is the event store as seen by the scheduler.
type Source interface {
	HeadID() uint64
	Slice(fromID, toID uint64) []*models.Event
	Track(consumer string, committed uint64)
	Acknowledge(consumer string, id uint64)
	Untrack(consumer string)
}

// Settings controls one sink's flush policy.
type Settings struct {
	Interval         time.Duration
	BufferThreshold  int
	FailureThreshold int
	MaxBatch         int
	RetryBackoff     time.Duration
	FlushTimeout     time.Duration
}

// SettingsFrom copies the scheduling fields of a sink configuration.
func SettingsFrom(cfg config.SinkConfig) Settings {
	cfg.ApplyDefaults()
	return Settings{
		Interval:         cfg.Interval,
		BufferThreshold:  cfg.BufferThreshold,
		FailureThreshold: cfg.FailureThreshold,
		MaxBatch:         cfg.MaxBatch,
		RetryBackoff:     cfg.RetryBackoff,
		FlushTimeout:     cfg.FlushTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	def := SettingsFrom(config.SinkConfig{})
	if s.Interval <= 0 {
		s.Interval = def.Interval
	}
	if s.BufferThreshold <= 0 {
		s.BufferThreshold = def.BufferThreshold
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.MaxBatch <= 0 {
		s.MaxBatch = def.MaxBatch
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = def.RetryBackoff
	}
	if s.FlushTimeout <= 0 {
		s.FlushTimeout = def.FlushTimeout
	}
	return s
}

// Scheduler owns the sink workers.
type Scheduler struct {
	src    Source
	logger *logging.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	order   []string
	started bool

	// loopCtx ends the trigger loops; flushCtx ends in-flight flushes.
	loopCtx     context.Context
	stopLoops   context.CancelFunc
	flushCtx    context.Context
	stopFlushes context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

func New(src Source, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		src:     src,
		logger:  logger.Component("scheduler"),
		workers: make(map[string]*worker),
	}
}

// Register adds a sink that has already committed every event up to
// committed. The store keeps events above that until the sink acknowledges
// them. Sinks must be registered before Start.
func (s *Scheduler) Register(sk sink.Sink, settings Settings, committed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	name := sk.Name()
	if _, dup := s.workers[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	w := newWorker(sk, settings.withDefaults(), s.src, s.logger, committed)
	s.workers[name] = w
	s.order = append(s.order, name)
	s.src.Track(name, committed)
	w.publishState()
	return nil
}

// Start launches one worker per registered sink.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.loopCtx, s.stopLoops = context.WithCancel(ctx)
	s.flushCtx, s.stopFlushes = context.WithCancel(context.WithoutCancel(ctx))

	for _, name := range s.order {
		w := s.workers[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(s.loopCtx, s.flushCtx)
		}()
	}
	s.logger.Info("scheduler started", logging.Count(len(s.order)))
}

// Notify tells every worker the store head moved. Workers whose backlog
// reached their buffer threshold are triggered; Notify never blocks.
func (s *Scheduler) Notify(head uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		w.notify(head)
	}
}

// FlushNow flushes the named sink up to the current head, bypassing retry
// backoff, and returns the sink's committed ID afterwards. Concurrent calls
// for the same sink share one flush.
func (s *Scheduler) FlushNow(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	w, ok := s.workers[name]
	started, loopCtx := s.started, s.loopCtx
	s.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSink, name)
	}
	if w.disabled() {
		return w.committed(), ErrSinkDisabled
	}
	if !started {
		return w.committed(), ErrStopped
	}

	req := flushRequest{target: s.src.HeadID(), reply: make(chan flushResult, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return w.committed(), ctx.Err()
	case <-loopCtx.Done():
		return w.committed(), ErrStopped
	}

	select {
	case res := <-req.reply:
		return res.committed, res.err
	case <-ctx.Done():
		return w.committed(), ctx.Err()
	case <-w.exited:
		return w.committed(), ErrStopped
	}
}

// Statuses reports every sink in registration order.
func (s *Scheduler) Statuses() []SinkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head := s.src.HeadID()
	out := make([]SinkStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.workers[name].status(head))
	}
	return out
}

// Status reports one sink.
func (s *Scheduler) Status(name string) (SinkStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return SinkStatus{}, false
	}
	return w.status(s.src.HeadID()), true
}

// Stop ends all triggers and waits up to grace for in-flight flushes, then
// cancels them. Cancelled flushes do not commit.
func (s *Scheduler) Stop(grace time.Duration) {
	s.stopOnce.Do(func() {
		s.mu.RLock()
		started := s.started
		s.mu.RUnlock()
		if !started {
			return
		}

		s.stopLoops()
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.logger.Warn("shutdown grace expired, cancelling flushes", logging.Duration(grace))
			s.stopFlushes()
			<-done
		}
		s.stopFlushes()
		s.logger.Info("scheduler stopped")
	})
}
