// Package checkpoint persists per-sink export progress in Redis for sinks
// that cannot report it themselves.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

const DefaultKeyPrefix = "trap:checkpoint:"

// saveScript only moves a checkpoint forward.
var saveScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local incoming = tonumber(ARGV[1])
if incoming > cur then
  redis.call("SET", KEYS[1], ARGV[1])
  return incoming
end
return cur
`)

// Store keeps one checkpoint per sink name.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(name string) string { return s.prefix + name }

// Load returns the stored checkpoint, or 0 when none exists.
func (s *Store) Load(ctx context.Context, name string) (uint64, error) {
	val, err := s.redis.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint %q: %w", val, err)
	}
	return id, nil
}

// Save records id unless a higher checkpoint is already stored.
func (s *Store) Save(ctx context.Context, name string, id uint64) error {
	if err := saveScript.Run(ctx, s.redis, []string{s.key(name)}, strconv.FormatUint(id, 10)).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Sink records the committed ID of the wrapped sink after every successful flush.
type Sink struct {
	sink.Sink
	store  *Store
	logger *logging.Logger
}

// Wrap decorates inner with a Redis checkpoint.
func Wrap(inner sink.Sink, store *Store, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sink{
		Sink:   inner,
		store:  store,
		logger: logger.Component("checkpoint").With(logging.Sink(inner.Name())),
	}
}

// Flush delegates to the wrapped sink. A checkpoint that fails to save is
// logged and left behind; the next restart re-exports from the older value.
func (s *Sink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	upTo, err := s.Sink.Flush(ctx, batch)
	if err != nil || upTo == 0 {
		return upTo, err
	}
	if err := s.store.Save(ctx, s.Name(), upTo); err != nil {
		s.logger.Warn("checkpoint not saved", logging.EventID(upTo), logging.Error(err))
	}
	return upTo, nil
}

// Checkpoint returns the larger of the stored checkpoint and the wrapped
// sink's own, if it has one.
func (s *Sink) Checkpoint(ctx context.Context) (uint64, error) {
	stored, err := s.store.Load(ctx, s.Name())
	if err != nil {
		return 0, err
	}
	if cp, ok := s.Sink.(sink.Checkpointer); ok {
		own, err := cp.Checkpoint(ctx)
		if err != nil {
			return 0, err
		}
		return max(stored, own), nil
	}
	return stored, nil
}

// Unwrap returns the decorated sink.
func (s *Sink) Unwrap() sink.Sink { return s.Sink }
