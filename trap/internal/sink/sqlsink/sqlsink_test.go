package sqlsink

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sinktest"
)

func openSQLite(t *testing.T) *Sink {
	t.Helper()
	s, err := Open("sqlite", config.DatabaseConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "trap.db"),
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSQLiteFlushIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	batch := sinktest.Batch(1, 12)

	for i := 0; i < 2; i++ {
		upTo, err := s.Flush(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, uint64(12), upTo)
	}

	assert.Equal(t, 12, countRows(t, s.db, "events"))
	assert.Equal(t, 2, countRows(t, s.db, "sessions"))
	assert.Equal(t, 2, countRows(t, s.db, "auth_attempts"))
	assert.Equal(t, 2, countRows(t, s.db, "commands"))
	assert.Equal(t, 2, countRows(t, s.db, "downloads"))

	var password string
	require.NoError(t, s.db.QueryRow("SELECT password FROM auth_attempts WHERE event_id = 3").Scan(&password))
	assert.Equal(t, "it's-a-secret", password)

	cp, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cp)
}

func TestSQLiteSessionMergesAcrossBatches(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, err := s.Flush(ctx, sinktest.Batch(1, 3))
	require.NoError(t, err)
	_, err = s.Flush(ctx, sinktest.Batch(4, 3))
	require.NoError(t, err)

	var (
		start  string
		end    sql.NullString
		client sql.NullString
		sensor sql.NullString
	)
	require.NoError(t, s.db.QueryRow(
		"SELECT start_time, end_time, client_version, sensor FROM sessions WHERE id = 'sess-1'",
	).Scan(&start, &end, &client, &sensor))

	assert.Equal(t, "2024-06-01T12:00:01.000000Z", start)
	assert.True(t, end.Valid)
	assert.Equal(t, "2024-06-01T12:00:06.000000Z", end.String)
	assert.Equal(t, "SSH-2.0-libssh_0.9.6", client.String)
	assert.Equal(t, "trap-01", sensor.String)
}

func TestSQLiteCheckpointEmpty(t *testing.T) {
	s := openSQLite(t)
	cp, err := s.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func newMockSink(t *testing.T, d Dialect) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New("mock", db, d, logging.Discard())
	s.migrate = func(context.Context) error { return nil }
	return s, mock
}

func TestFlushCommitsOneTransaction(t *testing.T) {
	s, mock := newMockSink(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	upTo, err := s.Flush(context.Background(), sinktest.Batch(1, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), upTo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		err     error
		fatal   bool
	}{
		{"postgres connection loss", Postgres, &pgconn.PgError{Code: "08006"}, false},
		{"postgres missing table", Postgres, &pgconn.PgError{Code: "42P01"}, true},
		{"postgres permission denied", Postgres, &pgconn.PgError{Code: "42501"}, true},
		{"mysql lock wait", MySQL, &mysql.MySQLError{Number: 1205}, false},
		{"mysql unknown table", MySQL, &mysql.MySQLError{Number: 1146}, true},
		{"mysql access denied", MySQL, &mysql.MySQLError{Number: 1142}, true},
		{"unclassified", Postgres, errors.New("network is unreachable"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockSink(t, tt.dialect)

			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO events").WillReturnError(tt.err)
			mock.ExpectRollback()

			_, err := s.Flush(context.Background(), sinktest.Batch(1, 2))
			require.Error(t, err)
			assert.Equal(t, tt.fatal, sink.IsFatal(err))
			assert.ErrorIs(t, err, tt.err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRowDataErrorsAreNotFatal(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		err     error
	}{
		{"postgres NUL in text", Postgres, &pgconn.PgError{Code: "22021"}},
		{"postgres not null violation", Postgres, &pgconn.PgError{Code: "23502"}},
		{"mysql data too long", MySQL, &mysql.MySQLError{Number: 1406}},
		{"mysql incorrect string value", MySQL, &mysql.MySQLError{Number: 1366}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.dialect.rejectsRow(tt.err))
			assert.False(t, sink.IsFatal(tt.dialect.classify(tt.err)))
		})
	}
	assert.False(t, Postgres.rejectsRow(&pgconn.PgError{Code: "42501"}))
	assert.False(t, MySQL.rejectsRow(&mysql.MySQLError{Number: 1205}))
}

func TestFlushSkipsRejectedEvent(t *testing.T) {
	s, mock := newMockSink(t, Postgres)
	badValue := &pgconn.PgError{Code: "22021", Message: "invalid byte sequence for encoding \"UTF8\": 0x00"}

	// The whole batch fails on the second event's row.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnError(badValue)
	mock.ExpectRollback()
	// Event 1 on its own commits.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Event 2 is rejected again and skipped.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnError(badValue)
	mock.ExpectRollback()

	upTo, err := s.Flush(context.Background(), sinktest.Batch(1, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), upTo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushStopsOnConnectionLossWhileSkipping(t *testing.T) {
	s, mock := newMockSink(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnError(&pgconn.PgError{Code: "22001"})
	mock.ExpectRollback()
	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	_, err := s.Flush(context.Background(), sinktest.Batch(1, 2))
	require.Error(t, err)
	assert.False(t, sink.IsFatal(err))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestSanitizeHostileValues(t *testing.T) {
	banner := "SSH-2.0-" + strings.Repeat("é", 300) + "\x00"
	conn := sinktest.Event(1)
	version := sinktest.Event(2)
	version.Payload = models.Payload{models.KeyVersion: banner}
	cmd := sinktest.Event(4)
	cmd.Payload = models.Payload{models.KeyInput: "cat /etc/passwd\x00", "argv": []any{"a\x00b"}}

	sections := buildSections(models.NewBatch([]*models.Event{conn, version, cmd}))

	client := sections[0].rows[0][6].(string)
	assert.Equal(t, 255, utf8.RuneCountInString(client))
	assert.True(t, utf8.ValidString(client))
	assert.NotContains(t, client, "\x00")

	assert.Equal(t, "cat /etc/passwd", sections[3].rows[0][3])
	payload := sections[1].rows[2][10].(string)
	assert.NotContains(t, payload, `\u0000`)
	assert.Contains(t, payload, `"ab"`)
}

func TestSQLiteFlushAcceptsHostileValues(t *testing.T) {
	s := openSQLite(t)
	ev := sinktest.Event(2)
	ev.Payload = models.Payload{models.KeyVersion: strings.Repeat("A", 1000) + "\x00\xff"}

	upTo, err := s.Flush(context.Background(), models.NewBatch([]*models.Event{ev}))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), upTo)

	var client string
	require.NoError(t, s.db.QueryRow("SELECT client_version FROM sessions WHERE id = 'sess-1'").Scan(&client))
	assert.Equal(t, strings.Repeat("A", 255), client)
}

func TestFlushBeginFailureIsTransient(t *testing.T) {
	s, mock := newMockSink(t, MySQL)
	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	_, err := s.Flush(context.Background(), sinktest.Batch(1, 1))
	require.Error(t, err)
	assert.False(t, sink.IsFatal(err))
}

func TestSchemaFailureBlocksFlush(t *testing.T) {
	s, mock := newMockSink(t, Postgres)
	s.migrate = func(context.Context) error { return sink.Fatalf("schema is dirty") }

	_, err := s.Flush(context.Background(), sinktest.Batch(1, 1))
	require.Error(t, err)
	assert.True(t, sink.IsFatal(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStatements(t *testing.T) {
	pg := insertStatement(Postgres, eventsTable)
	assert.Contains(t, pg, "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)")
	assert.Contains(t, pg, "ON CONFLICT (id) DO NOTHING")

	lite := insertStatement(SQLite, sessionsTable)
	assert.Contains(t, lite, "start_time = min(sessions.start_time, excluded.start_time)")
	assert.Contains(t, lite, "end_time = COALESCE(excluded.end_time, sessions.end_time)")

	my := insertStatement(MySQL, sessionsTable)
	assert.Contains(t, my, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, my, "start_time = LEAST(start_time, VALUES(start_time))")

	myEvents := insertStatement(MySQL, commandsTable)
	assert.Contains(t, myEvents, "ON DUPLICATE KEY UPDATE event_id = event_id")
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	d, err = DialectFor("Postgres")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestDataSource(t *testing.T) {
	_, dsn, err := dataSource(Postgres, config.DatabaseConfig{Host: "db", Name: "trap", User: "u", Password: "p@ss"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p%40ss@db:5432/trap?sslmode=disable", dsn)

	_, dsn, err = dataSource(MySQL, config.DatabaseConfig{Host: "db", Port: 3307, Name: "trap", User: "u", Password: "p"})
	require.NoError(t, err)
	assert.Contains(t, dsn, "u:p@tcp(db:3307)/trap")
	assert.Contains(t, dsn, "multiStatements=true")
	assert.Contains(t, dsn, "parseTime=true")

	_, _, err = dataSource(SQLite, config.DatabaseConfig{})
	assert.Error(t, err)
}
