package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSqlite   = "sqlite3"
	DriverPostgres = "pgx"
)

type DB struct {
	*sql.DB
	driver string
}

// Make opens a sqlite database at dbPath.
func Make(dbPath string) (*DB, error) {
	return Open(context.Background(), DriverSqlite, dbPath)
}

// Open connects to either sqlite (dsn is a file path) or postgres through
// pgx (dsn is a connection url) and runs the migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSqlite:
		// https://github.com/mattn/go-sqlite3#connection-string
		opts := []string{
			"_foreign_keys=1",
			"_journal_mode=WAL",
			"_synchronous=NORMAL",
			"_auto_vacuum=incremental",
		}
		db, err = sql.Open(DriverSqlite, dsn+"?"+strings.Join(opts, "&"))
		if err != nil {
			return nil, err
		}
		// every connection to :memory: is a distinct database
		if dsn == ":memory:" {
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	// schema is kept portable between sqlite and postgres: text ids, json
	// documents in text columns and unix nanos in bigint columns.
	_, err = db.ExecContext(ctx, `
		create table if not exists pipelines (
			id text primary key,
			name text not null,
			repository text not null default '',
			branch text not null default '',
			trigger_kind text not null,
			schedule text not null default '',
			stages text not null, -- json
			environment text not null, -- json
			created bigint not null -- unix nanos
		);

		-- runs deliberately carry no foreign key: deleting a definition
		-- leaves its history intact
		create table if not exists runs (
			id text primary key,
			pipeline_id text not null,
			status text not null,
			trigger_data text not null, -- json
			started_at bigint not null, -- unix nanos
			completed_at bigint, -- unix nanos, null while active
			logs text not null default '[]', -- json
			artifacts text not null default '[]', -- json
			error text not null default ''
		);

		create index if not exists runs_pipeline_started on runs (pipeline_id, started_at);
		create index if not exists runs_completed on runs (completed_at);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{DB: db, driver: driver}, nil
}

func (d *DB) Driver() string {
	return d.driver
}

// rebind rewrites '?' placeholders into '$n' for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
