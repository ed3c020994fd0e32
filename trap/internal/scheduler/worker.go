package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/metrics"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

type flushRequest struct {
	target uint64
	reply  chan flushResult
}

type flushResult struct {
	committed uint64
	err       error
}

type worker struct {
	sink     sink.Sink
	settings Settings
	src      Source
	logger   *logging.Logger

	trigger  chan struct{}
	requests chan flushRequest
	exited   chan struct{}

	lastExported atomic.Uint64
	isDisabled   atomic.Bool

	mu          sync.Mutex
	state       State
	failures    int
	lastErr     string
	lastFlush   time.Time
	lastSuccess time.Time

	// Owned by the run goroutine.
	backoff time.Duration
	retryAt time.Time
	// pending is the last failed batch; it is retried unchanged until it commits.
	pending *models.Batch
}

func newWorker(sk sink.Sink, settings Settings, src Source, logger *logging.Logger, committed uint64) *worker {
	w := &worker{
		sink:     sk,
		settings: settings,
		src:      src,
		logger:   logger.With(logging.Sink(sk.Name()), logging.SinkKind(sk.Kind())),
		trigger:  make(chan struct{}, 1),
		requests: make(chan flushRequest, 16),
		exited:   make(chan struct{}),
		state:    StateIdle,
	}
	w.lastExported.Store(committed)
	return w
}

func (w *worker) name() string { return w.sink.Name() }

func (w *worker) committed() uint64 { return w.lastExported.Load() }

func (w *worker) disabled() bool { return w.isDisabled.Load() }

func (w *worker) notify(head uint64) {
	if w.disabled() {
		return
	}
	last := w.lastExported.Load()
	if head <= last {
		return
	}
	lag := head - last
	metrics.SinkLag.WithLabelValues(w.name()).Set(float64(lag))
	if lag >= uint64(w.settings.BufferThreshold) {
		w.poke()
	}
}

// poke schedules a flush; a pending one absorbs it.
func (w *worker) poke() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *worker) run(loopCtx, flushCtx context.Context) {
	defer close(w.exited)
	defer w.rejectPending()

	ticker := time.NewTicker(w.settings.Interval)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return

		case req := <-w.requests:
			reqs := w.drainRequests(req)
			target := reqs[0].target
			for _, r := range reqs[1:] {
				target = max(target, r.target)
			}
			err := w.flushUntil(flushCtx, target)
			res := flushResult{committed: w.committed(), err: err}
			for _, r := range reqs {
				r.reply <- res
			}

		case <-ticker.C:
			w.scheduled(flushCtx)

		case <-w.trigger:
			w.scheduled(flushCtx)

		case <-retry.C:
			w.retryAt = time.Time{}
			w.scheduled(flushCtx)
		}

		if w.disabled() {
			// Stay alive so FlushNow callers get an answer until shutdown.
			ticker.Stop()
			retry.Stop()
			w.waitDisabled(loopCtx)
			return
		}
		if !w.retryAt.IsZero() {
			retry.Reset(time.Until(w.retryAt))
		}
	}
}

// scheduled runs a tick, threshold or retry flush unless a retry backoff is pending.
func (w *worker) scheduled(ctx context.Context) {
	if !w.retryAt.IsZero() && time.Now().Before(w.retryAt) {
		return
	}
	if err := w.flushOnce(ctx); err != nil {
		return
	}
	if head, last := w.src.HeadID(), w.committed(); head > last && head-last >= uint64(w.settings.BufferThreshold) {
		w.poke()
	}
}

// flushUntil flushes batch after batch until target is committed.
func (w *worker) flushUntil(ctx context.Context, target uint64) error {
	for w.committed() < target {
		before := w.committed()
		if err := w.flushOnce(ctx); err != nil {
			return err
		}
		if w.committed() == before {
			return nil
		}
	}
	return nil
}

// flushOnce exports the next batch of at most MaxBatch events.
func (w *worker) flushOnce(ctx context.Context) error {
	if w.disabled() {
		return ErrSinkDisabled
	}
	batch, ok := w.nextBatch()
	if !ok {
		return nil
	}

	w.markFlushing()
	fctx, cancel := context.WithTimeout(ctx, w.settings.FlushTimeout)
	start := time.Now()
	upTo, err := w.sink.Flush(fctx, batch)
	cancel()
	elapsed := time.Since(start)
	metrics.FlushDuration.WithLabelValues(w.name()).Observe(elapsed.Seconds())

	if err != nil {
		w.fail(batch, err, elapsed)
		return err
	}
	if upTo < batch.ToID {
		upTo = batch.ToID
	}
	w.succeed(batch, upTo, elapsed)
	return nil
}

// nextBatch returns the pending failed batch, or the next range after the
// committed checkpoint.
func (w *worker) nextBatch() (models.Batch, bool) {
	if w.pending != nil {
		return *w.pending, true
	}
	from := w.committed() + 1
	head := w.src.HeadID()
	if head < from {
		return models.Batch{}, false
	}
	to := min(head, from+uint64(w.settings.MaxBatch)-1)
	events := w.src.Slice(from, to)
	if len(events) == 0 {
		return models.Batch{}, false
	}
	if events[0].ID != from {
		w.logger.Warn("events missing before export range", logging.Range(from, events[0].ID-1))
	}
	return models.NewBatch(events), true
}

func (w *worker) succeed(batch models.Batch, upTo uint64, elapsed time.Duration) {
	now := time.Now().UTC()
	w.lastExported.Store(upTo)
	w.backoff = 0
	w.retryAt = time.Time{}
	w.pending = nil

	w.mu.Lock()
	recovered := w.state == StateDegraded || w.failures > 0
	w.failures = 0
	w.lastErr = ""
	w.lastFlush = now
	w.lastSuccess = now
	w.state = StateIdle
	w.mu.Unlock()

	w.src.Acknowledge(w.name(), upTo)
	metrics.FlushTotal.WithLabelValues(w.name(), "success").Inc()
	metrics.EventsExported.WithLabelValues(w.name()).Add(float64(batch.Len()))
	if head := w.src.HeadID(); head >= upTo {
		metrics.SinkLag.WithLabelValues(w.name()).Set(float64(head - upTo))
	}
	w.publishState()

	if recovered {
		w.logger.Info("sink recovered", logging.Range(batch.FromID, batch.ToID))
	}
	w.logger.Info("export committed",
		logging.Range(batch.FromID, batch.ToID),
		logging.Count(batch.Len()),
		logging.Duration(elapsed))
}

func (w *worker) fail(batch models.Batch, err error, elapsed time.Duration) {
	now := time.Now().UTC()
	fatal := sink.IsFatal(err)

	w.mu.Lock()
	w.failures++
	failures := w.failures
	w.lastErr = err.Error()
	w.lastFlush = now
	switch {
	case fatal:
		w.state = StateDisabled
	case failures >= w.settings.FailureThreshold:
		w.state = StateDegraded
	default:
		w.state = StateIdle
	}
	w.mu.Unlock()

	metrics.FlushTotal.WithLabelValues(w.name(), "failure").Inc()
	w.publishState()

	if fatal {
		w.pending = nil
		w.isDisabled.Store(true)
		w.src.Untrack(w.name())
		w.logger.Error("sink disabled",
			logging.Range(batch.FromID, batch.ToID),
			logging.Error(err),
			logging.Fatal(true))
		return
	}

	w.pending = &batch
	if w.backoff == 0 {
		w.backoff = w.settings.RetryBackoff
	} else {
		w.backoff = min(w.backoff*2, w.settings.Interval)
	}
	w.retryAt = now.Add(w.backoff)

	attrs := []any{
		logging.Range(batch.FromID, batch.ToID),
		logging.Error(err),
		logging.Fatal(false),
		"consecutive_failures", failures,
		"retry_in", w.backoff.String(),
		logging.Duration(elapsed),
	}
	if failures == w.settings.FailureThreshold {
		w.logger.Error("sink degraded", attrs...)
		return
	}
	w.logger.Warn("export failed", attrs...)
}

// markFlushing moves an idle worker to flushing. Degraded workers keep
// reporting degraded until a flush succeeds.
func (w *worker) markFlushing() {
	w.mu.Lock()
	if w.state == StateIdle {
		w.state = StateFlushing
	}
	w.mu.Unlock()
	w.publishState()
}

func (w *worker) publishState() {
	w.mu.Lock()
	s := w.state
	w.mu.Unlock()
	metrics.SinkState.WithLabelValues(w.name()).Set(s.gauge())
}

func (w *worker) status(head uint64) SinkStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	last := w.lastExported.Load()
	st := SinkStatus{
		Name:                w.name(),
		Kind:                w.sink.Kind(),
		State:               w.state,
		Healthy:             w.state == StateIdle || w.state == StateFlushing,
		LastExportedID:      last,
		ConsecutiveFailures: w.failures,
		LastError:           w.lastErr,
	}
	if head > last {
		st.Lag = head - last
	}
	if !w.lastFlush.IsZero() {
		t := w.lastFlush
		st.LastFlushAt = &t
	}
	if !w.lastSuccess.IsZero() {
		t := w.lastSuccess
		st.LastSuccessAt = &t
	}
	return st
}

func (w *worker) drainRequests(first flushRequest) []flushRequest {
	reqs := []flushRequest{first}
	for {
		select {
		case r := <-w.requests:
			reqs = append(reqs, r)
		default:
			return reqs
		}
	}
}

func (w *worker) waitDisabled(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			req.reply <- flushResult{committed: w.committed(), err: ErrSinkDisabled}
		}
	}
}

func (w *worker) rejectPending() {
	for {
		select {
		case req := <-w.requests:
			req.reply <- flushResult{committed: w.committed(), err: ErrStopped}
		default:
			return
		}
	}
}
