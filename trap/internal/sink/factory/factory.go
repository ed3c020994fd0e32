// Package factory builds configured sinks.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/afero"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-trap/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/checkpoint"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/jsonsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/searchsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sqlsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/streamsink"
)

// ErrCheckpointsRequired is returned for sinks that need redis.enabled.
var ErrCheckpointsRequired = errors.New("sink requires redis.enabled for checkpoints")

// StreamProvider is the JetStream surface needed by stream sinks.
type StreamProvider interface {
	streamsink.Publisher
	CreateOrUpdateStream(ctx context.Context, cfg natsclient.StreamConfig) (jetstream.Stream, error)
}

// Deps carries the shared clients sinks may need. Sinks whose client is nil
// fail to build.
type Deps struct {
	Logger      *logging.Logger
	Fs          afero.Fs
	Streams     StreamProvider
	Checkpoints *checkpoint.Store
}

// Build selects and constructs the sink described by cfg. Search and stream
// sinks cannot report their own progress, so they require a Redis checkpoint
// store; without one a restart would reuse event IDs they already hold.
func Build(ctx context.Context, cfg config.SinkConfig, deps Deps) (sink.Sink, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.Type {
	case config.SinkJSON:
		var opts []jsonsink.Option
		if deps.Fs != nil {
			opts = append(opts, jsonsink.WithFs(deps.Fs))
		}
		return jsonsink.New(jsonsink.Config{
			Name:         cfg.Name,
			Dir:          cfg.Dir,
			Compress:     cfg.Compress,
			ExcludeTypes: cfg.ExcludeTypes,
		}, logger, opts...)

	case config.SinkSQL:
		return sqlsink.Open(cfg.Name, cfg.Database, logger)

	case config.SinkSQLDump:
		var opts []sqlsink.DumpOption
		if deps.Fs != nil {
			opts = append(opts, sqlsink.WithDumpFs(deps.Fs))
		}
		return sqlsink.NewDumpSink(sqlsink.DumpConfig{
			Name:    cfg.Name,
			Dir:     cfg.Dir,
			Backend: cfg.Database.Backend,
		}, logger, opts...)

	case config.SinkOpenSearch:
		if deps.Checkpoints == nil {
			return nil, fmt.Errorf("sink %q: %w", cfg.Name, ErrCheckpointsRequired)
		}
		s, err := searchsink.New(cfg.Name, cfg.OpenSearch, logger)
		if err != nil {
			return nil, err
		}
		return checkpoint.Wrap(s, deps.Checkpoints, logger), nil

	case config.SinkJetStream:
		if deps.Streams == nil {
			return nil, fmt.Errorf("sink %q: jetstream requires nats.enabled", cfg.Name)
		}
		if deps.Checkpoints == nil {
			return nil, fmt.Errorf("sink %q: %w", cfg.Name, ErrCheckpointsRequired)
		}
		if _, err := deps.Streams.CreateOrUpdateStream(ctx, natsclient.ExportStreamConfig(cfg.Stream, cfg.Subject)); err != nil {
			return nil, fmt.Errorf("sink %q: %w", cfg.Name, err)
		}
		return checkpoint.Wrap(streamsink.New(cfg.Name, cfg.Subject, deps.Streams, logger), deps.Checkpoints, logger), nil
	}
	return nil, fmt.Errorf("sink %q: unknown type %q", cfg.Name, cfg.Type)
}
