package csql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "github.com/lib/pq"  // load database driver for postgres
	_ "modernc.org/sqlite" // load database driver for sqlite
)

// Driver names supported by Open
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// DB encapsulates a standard sql.DB with a schema and the driver it was opened with
type DB struct {
	*sql.DB
	Schema string
	Driver string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
func OpenWithSchema(dataSourceName, schema string) *DB {
	log.Println("connecting to postgres database")
	db, err := sql.Open(Postgres, dataSourceName)
	if err != nil {
		panic(err)
	}
	err = db.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		log.Println("selected database schema:", schema)
		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`)
		if err != nil {
			panic(err)
		}
	}
	return &DB{DB: db, Schema: schema, Driver: Postgres}
}

// OpenSQLite opens a sqlite database at path. Use ":memory:" for a private in-memory database.
// The pool is limited to a single connection, so an in-memory database is shared by all callers
// and writers are serialized.
func OpenSQLite(path string) (*DB, error) {
	log.Println("opening sqlite database:", path)
	db, err := sql.Open(SQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// match postgres semantics
	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA case_sensitive_like = ON;`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{DB: db, Driver: SQLite}, nil
}

// Table returns the qualified name of a table, prefixed with the schema when the
// database has one
func (db *DB) Table(name string) string {
	if db.Driver == SQLite || db.Schema == "" {
		return name
	}
	return db.Schema + "." + name
}

// Rebind rewrites postgres style $n placeholders for the database driver. Sqlite
// understands ?n with the same numbering.
func (db *DB) Rebind(query string) string {
	if db.Driver != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// Queryer is implemented by both *sql.DB and *sql.Tx
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Driver == SQLite {
		return
	}
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		log.Println("clear schema error:", db.Schema, err.Error())
	}
}
