package sqlsink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

const (
	DumpKind       = "sqldump"
	dumpFilePrefix = "trap-dump"
)

// WriteDump renders batch as a replayable SQL script for d. The layout is
// fixed: header comments, the schema, then one section per table in the order
// sessions, events, auth_attempts, commands, downloads, wrapped in a single
// transaction. Every INSERT is an upsert, so replaying a dump twice is safe.
// comments are added to the header.
func WriteDump(w io.Writer, d Dialect, batch models.Batch, generatedAt time.Time, comments ...string) error {
	schema, err := schemaSQL(d)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "-- TelHawk Trap SQL dump\n")
	fmt.Fprintf(bw, "-- dialect: %s\n", d.Name())
	fmt.Fprintf(bw, "-- generated_at: %s\n", generatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(bw, "-- event_range: %d-%d\n", batch.FromID, batch.ToID)
	fmt.Fprintf(bw, "-- event_count: %d\n", batch.Len())
	for _, c := range comments {
		fmt.Fprintf(bw, "-- %s\n", commentSafe.Replace(c))
	}
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "%s\n", schema)
	fmt.Fprintf(bw, "%s\n", d.beginStatement())

	for _, sec := range buildSections(batch) {
		fmt.Fprintf(bw, "\n-- %s (%d rows)\n", sec.table.name, len(sec.rows))
		for _, row := range sec.rows {
			fmt.Fprintln(bw, insertLiteral(d, sec.table, row))
		}
	}
	fmt.Fprintf(bw, "\nCOMMIT;\n")
	return bw.Flush()
}

// commentSafe keeps caller-supplied header text on a single comment line.
var commentSafe = strings.NewReplacer("\r", " ", "\n", " ")

// DumpConfig configures a DumpSink.
type DumpConfig struct {
	Name    string
	Dir     string
	Backend string
}

// DumpSink writes one trap-dump-<from>-<to>.sql file per flush. It needs no
// database connection.
type DumpSink struct {
	cfg     DumpConfig
	dialect Dialect
	fs      afero.Fs
	logger  *logging.Logger
	now     func() time.Time
}

// DumpOption customizes a DumpSink.
type DumpOption func(*DumpSink)

// WithDumpFs replaces the OS filesystem.
func WithDumpFs(fs afero.Fs) DumpOption {
	return func(s *DumpSink) { s.fs = fs }
}

func NewDumpSink(cfg DumpConfig, logger *logging.Logger, opts ...DumpOption) (*DumpSink, error) {
	d, err := DialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sqlsink: dump dir is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &DumpSink{
		cfg:     cfg,
		dialect: d,
		fs:      afero.NewOsFs(),
		logger:  logger.Component("sqldump").With(logging.Sink(cfg.Name)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *DumpSink) Name() string { return s.cfg.Name }
func (s *DumpSink) Kind() string { return DumpKind }

func (s *DumpSink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	if batch.Empty() {
		return batch.ToID, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, sink.Transient(err)
	}
	name := DumpFileName(batch.FromID, batch.ToID)
	path, err := sink.WriteFileAtomic(s.fs, s.cfg.Dir, name, func(w io.Writer) error {
		return WriteDump(w, s.dialect, batch, s.now())
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("dump written", "path", path, logging.Range(batch.FromID, batch.ToID))
	return batch.ToID, nil
}

// Checkpoint returns the highest ID covered by a dump file in the directory.
func (s *DumpSink) Checkpoint(ctx context.Context) (uint64, error) {
	return sink.HighestExportedID(s.fs, s.cfg.Dir, dumpFilePrefix)
}

// DumpFileName names the dump covering [from, to].
func DumpFileName(from, to uint64) string {
	return sink.RangeFileName(dumpFilePrefix, from, to, ".sql")
}
