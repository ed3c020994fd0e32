// Package sink defines the export contract every persistence target implements.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

// Sink persists batches of events. Flush commits the whole batch or nothing and
// must be idempotent when the same range is flushed again.
type Sink interface {
	Name() string
	Kind() string
	// Flush returns the highest committed ID, which is batch.ToID on success.
	Flush(ctx context.Context, batch models.Batch) (uint64, error)
}

// Checkpointer is implemented by sinks that can report the highest ID they
// durably hold, so export resumes there after a restart.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (uint64, error)
}

var (
	// ErrTransient marks failures worth retrying with the same range.
	ErrTransient = errors.New("transient sink failure")
	// ErrFatal marks failures that will not heal on retry (bad credentials,
	// schema mismatch, permission denied). The sink is disabled.
	ErrFatal = errors.New("fatal sink failure")
)

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.class, c.err} }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrFatal) {
		return err
	}
	return &classified{class: ErrTransient, err: err}
}

// Fatal wraps err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return &classified{class: ErrFatal, err: err}
}

// Fatalf builds a fatal error from a format string.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsFatal reports whether err should disable the sink. Unclassified errors are retryable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
