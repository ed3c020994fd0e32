// Package sqlsink exports batches into relational tables on sqlite, postgres
// or mysql, and renders the same rows as portable SQL dump files.
package sqlsink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/metrics"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

const Kind = "sql"

//go:embed migrations
var migrations embed.FS

// Sink writes each batch in a single transaction.
type Sink struct {
	name    string
	db      *sql.DB
	dialect Dialect
	logger  *logging.Logger

	// migrate applies the schema; replaced in tests.
	migrate func(ctx context.Context) error

	schemaMu sync.Mutex
	schemaOK bool
}

// Open connects to the configured backend. The schema is applied on first use.
func Open(name string, cfg config.DatabaseConfig, logger *logging.Logger) (*Sink, error) {
	d, err := DialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	driverName, dsn, err := dataSource(d, cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlsink: open %s: %w", d.Name(), err)
	}
	if d == SQLite {
		// One writer per file.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(name, db, d, logger), nil
}

// New wraps an open database.
func New(name string, db *sql.DB, d Dialect, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Sink{
		name:    name,
		db:      db,
		dialect: d,
		logger:  logger.Component("sqlsink").With(logging.Sink(name), "backend", d.Name()),
	}
	s.migrate = s.runMigrations
	return s
}

func dataSource(d Dialect, cfg config.DatabaseConfig) (driverName, dsn string, err error) {
	switch d {
	case SQLite:
		if cfg.Path == "" {
			return "", "", fmt.Errorf("sqlsink: sqlite path is required")
		}
		return "sqlite", "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case Postgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(portOr(cfg.Port, 5432))),
			Path:   "/" + cfg.Name,
		}
		sslmode := cfg.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
		return "pgx", u.String(), nil
	case MySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(portOr(cfg.Port, 3306)))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.MultiStatements = true
		return "mysql", mc.FormatDSN(), nil
	}
	return "", "", fmt.Errorf("sqlsink: unsupported dialect %s", d.Name())
}

func portOr(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Kind() string { return Kind }

// Dialect returns the backend dialect.
func (s *Sink) Dialect() Dialect { return s.dialect }

// Flush upserts every row of the batch in one transaction. Rows that already
// exist are left alone, so re-flushing a committed range changes nothing.
// When the backend rejects a row's values the batch is written event by
// event and rejected events are skipped.
func (s *Sink) Flush(ctx context.Context, batch models.Batch) (uint64, error) {
	if batch.Empty() {
		return batch.ToID, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	err := s.writeTx(ctx, batch)
	if err == nil {
		return batch.ToID, nil
	}
	if !s.dialect.rejectsRow(err) {
		return 0, s.dialect.classify(err)
	}
	s.logger.Warn("batch rejected, writing events one at a time",
		logging.Range(batch.FromID, batch.ToID), logging.Error(err))
	return s.flushEach(ctx, batch)
}

func (s *Sink) flushEach(ctx context.Context, batch models.Batch) (uint64, error) {
	skipped := 0
	for _, ev := range batch.Events {
		err := s.writeTx(ctx, models.NewBatch([]*models.Event{ev}))
		if err == nil {
			continue
		}
		if !s.dialect.rejectsRow(err) {
			return 0, s.dialect.classify(err)
		}
		skipped++
		metrics.ExportSkipped.WithLabelValues(s.name).Inc()
		s.logger.Warn("event skipped", logging.EventID(ev.ID), logging.Error(err))
	}
	s.logger.Info("batch written event by event",
		logging.Range(batch.FromID, batch.ToID), "skipped", skipped)
	return batch.ToID, nil
}

func (s *Sink) writeTx(ctx context.Context, batch models.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := s.write(ctx, tx, batch); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", logging.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Sink) write(ctx context.Context, tx *sql.Tx, batch models.Batch) error {
	for _, sec := range buildSections(batch) {
		if len(sec.rows) == 0 {
			continue
		}
		stmt := insertStatement(s.dialect, sec.table)
		for _, row := range sec.rows {
			args := make([]any, len(row))
			for i, v := range row {
				args[i] = s.dialect.arg(v)
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("insert into %s: %w", sec.table.name, err)
			}
		}
	}
	return nil
}

// Checkpoint returns the highest exported event ID.
func (s *Sink) Checkpoint(ctx context.Context) (uint64, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var high int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM events").Scan(&high); err != nil {
		return 0, s.dialect.classify(fmt.Errorf("read checkpoint: %w", err))
	}
	return uint64(high), nil
}

func (s *Sink) Close() error {
	return s.db.Close()
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaOK {
		return nil
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	s.schemaOK = true
	return nil
}

func (s *Sink) runMigrations(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.dialect.classify(fmt.Errorf("connect: %w", err))
	}
	src, err := iofs.New(migrations, "migrations/"+s.dialect.Name())
	if err != nil {
		return sink.Fatal(fmt.Errorf("load migrations: %w", err))
	}
	drv, err := s.dialect.migrationDriver(s.db)
	if err != nil {
		return s.dialect.classify(fmt.Errorf("migration driver: %w", err))
	}
	// Closing the migrator would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, s.dialect.Name(), drv)
	if err != nil {
		return s.dialect.classify(fmt.Errorf("init migrations: %w", err))
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return sink.Fatal(fmt.Errorf("schema is dirty at version %d", dirty.Version))
		}
		return s.dialect.classify(fmt.Errorf("apply migrations: %w", err))
	}
	s.logger.Info("schema ready")
	return nil
}

// schemaSQL returns the initial migration of d, used as the dump preamble.
func schemaSQL(d Dialect) (string, error) {
	data, err := migrations.ReadFile("migrations/" + d.Name() + "/000001_init.up.sql")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
