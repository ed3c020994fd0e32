package sqlsink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
)

// Dialect renders statements and classifies errors for one SQL backend.
type Dialect interface {
	// Name is the backend name, also the migrations directory.
	Name() string
	placeholder(n int) string
	conflictClause(t *table) string
	arg(v any) any
	literal(v any) string
	beginStatement() string
	classify(err error) error
	// rejectsRow reports errors caused by the values of a row rather than by
	// the connection, schema or permissions.
	rejectsRow(err error) bool
	migrationDriver(db *sql.DB) (database.Driver, error)
}

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
	MySQL    Dialect = mysqlDialect{}
)

// DialectFor returns the dialect of a configured backend.
func DialectFor(backend string) (Dialect, error) {
	switch strings.ToLower(backend) {
	case config.BackendSQLite, "":
		return SQLite, nil
	case config.BackendPostgres:
		return Postgres, nil
	case config.BackendMySQL:
		return MySQL, nil
	default:
		return nil, fmt.Errorf("sqlsink: unknown backend %q", backend)
	}
}

const (
	isoTime   = "2006-01-02T15:04:05.000000Z"
	mysqlTime = "2006-01-02 15:04:05.000000"
)

func insertStatement(d Dialect, t *table) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.name)
	b.WriteString(" (")
	b.WriteString(strings.Join(t.columns, ", "))
	b.WriteString(") VALUES (")
	for i := range t.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.placeholder(i + 1))
	}
	b.WriteString(") ")
	b.WriteString(d.conflictClause(t))
	return b.String()
}

func insertLiteral(d Dialect, t *table, row []any) string {
	values := make([]string, len(row))
	for i, v := range row {
		values[i] = d.literal(v)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s;",
		t.name, strings.Join(t.columns, ", "), strings.Join(values, ", "), d.conflictClause(t))
}

// onConflict renders the ON CONFLICT form shared by sqlite and postgres.
func onConflict(t *table, earliest string) string {
	if len(t.merges) == 0 {
		return "ON CONFLICT (" + t.key + ") DO NOTHING"
	}
	sets := make([]string, len(t.merges))
	for i, m := range t.merges {
		cur, inc := t.name+"."+m.column, "excluded."+m.column
		switch m.rule {
		case keepExisting:
			sets[i] = fmt.Sprintf("%s = COALESCE(%s, %s)", m.column, cur, inc)
		case preferIncoming:
			sets[i] = fmt.Sprintf("%s = COALESCE(%s, %s)", m.column, inc, cur)
		case takeEarliest:
			sets[i] = fmt.Sprintf("%s = %s(%s, %s)", m.column, earliest, cur, inc)
		}
	}
	return "ON CONFLICT (" + t.key + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

func quote(s string, backslash bool) string {
	s = strings.ReplaceAll(s, "'", "''")
	if backslash {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + s + "'"
}

func literal(v any, timeLayout string, boolean func(bool) string, backslash bool) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(x, backslash)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return boolean(x)
	case time.Time:
		return quote(x.UTC().Format(timeLayout), false)
	default:
		return quote(fmt.Sprint(x), backslash)
	}
}

// interrupted reports connection and cancellation errors, retryable on every backend.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                   { return config.BackendSQLite }
func (sqliteDialect) placeholder(int) string         { return "?" }
func (sqliteDialect) beginStatement() string         { return "BEGIN;" }
func (sqliteDialect) conflictClause(t *table) string { return onConflict(t, "min") }

func (sqliteDialect) arg(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(isoTime)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func (sqliteDialect) literal(v any) string {
	return literal(v, isoTime, func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}, false)
}

func (sqliteDialect) classify(err error) error {
	if interrupted(err) {
		return sink.Transient(err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_AUTH, sqlite3.SQLITE_NOTADB:
			return sink.Fatal(err)
		case sqlite3.SQLITE_ERROR:
			if msg := se.Error(); strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") ||
				strings.Contains(msg, "has no column") {
				return sink.Fatal(err)
			}
		}
	}
	return sink.Transient(err)
}

func (sqliteDialect) rejectsRow(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_MISMATCH:
		return true
	}
	return false
}

func (sqliteDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return migratesqlite.WithInstance(db, &migratesqlite.Config{})
}

type postgresDialect struct{}

func (postgresDialect) Name() string                   { return config.BackendPostgres }
func (postgresDialect) placeholder(n int) string       { return "$" + strconv.Itoa(n) }
func (postgresDialect) beginStatement() string         { return "BEGIN;" }
func (postgresDialect) conflictClause(t *table) string { return onConflict(t, "LEAST") }

func (postgresDialect) arg(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func (postgresDialect) literal(v any) string {
	return literal(v, isoTime, upperBool, false)
}

// Postgres SQLSTATE classes that will not heal on retry: invalid
// authorization, invalid catalog, syntax and access rule violations.
var fatalPgClasses = map[string]bool{"28": true, "3D": true, "42": true}

// Data exceptions and integrity violations are raised by a row's values.
var rowPgClasses = map[string]bool{"22": true, "23": true}

func (postgresDialect) classify(err error) error {
	if interrupted(err) {
		return sink.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && fatalPgClasses[pgErr.Code[:2]] {
		return sink.Fatal(err)
	}
	return sink.Transient(err)
}

func (postgresDialect) rejectsRow(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && rowPgClasses[pgErr.Code[:2]]
}

func (postgresDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return migratepgx.WithInstance(db, &migratepgx.Config{})
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string           { return config.BackendMySQL }
func (mysqlDialect) placeholder(int) string { return "?" }
func (mysqlDialect) beginStatement() string { return "START TRANSACTION;" }

func (mysqlDialect) conflictClause(t *table) string {
	if len(t.merges) == 0 {
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", t.key, t.key)
	}
	sets := make([]string, len(t.merges))
	for i, m := range t.merges {
		inc := "VALUES(" + m.column + ")"
		switch m.rule {
		case keepExisting:
			sets[i] = fmt.Sprintf("%s = COALESCE(%s, %s)", m.column, m.column, inc)
		case preferIncoming:
			sets[i] = fmt.Sprintf("%s = COALESCE(%s, %s)", m.column, inc, m.column)
		case takeEarliest:
			sets[i] = fmt.Sprintf("%s = LEAST(%s, %s)", m.column, m.column, inc)
		}
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func (mysqlDialect) arg(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func (mysqlDialect) literal(v any) string {
	return literal(v, mysqlTime, upperBool, true)
}

// MySQL errors that will not heal on retry: access denied, unknown database,
// unknown column or table.
var fatalMySQLErrors = map[uint16]bool{
	1044: true, 1045: true, 1049: true, 1054: true, 1142: true, 1143: true, 1146: true,
}

// MySQL errors raised by a row's values: NULL in a NOT NULL column, out of
// range, bad datetime, bad string value, data too long, invalid JSON.
var rowMySQLErrors = map[uint16]bool{
	1048: true, 1264: true, 1292: true, 1366: true, 1406: true, 3140: true,
}

func (mysqlDialect) classify(err error) error {
	if interrupted(err) {
		return sink.Transient(err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && fatalMySQLErrors[myErr.Number] {
		return sink.Fatal(err)
	}
	return sink.Transient(err)
}

func (mysqlDialect) rejectsRow(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && rowMySQLErrors[myErr.Number]
}

func (mysqlDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return migratemysql.WithInstance(db, &migratemysql.Config{})
}

func upperBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
