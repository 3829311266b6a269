package db

import (
	"database/sql"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"deploywatch.org/core/monitor/models"
)

// DB is the shared record store. Every write replaces a whole record
// so a crash can never leave a torn entry behind.
type DB struct {
	*sql.DB
	degraded atomic.Bool
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			status text not null,
			created integer not null, -- unix nanos
			finished integer not null default 0, -- unix nanos, 0 while running
			record text not null -- json
		);

		create table if not exists webhook_records (
			id text primary key,
			run_id text not null,
			created integer not null,
			record text not null
		);

		create table if not exists alerts (
			id text primary key,
			signature text not null,
			status text not null,
			created integer not null,
			record text not null
		);

		-- single monitoring configuration blob
		create table if not exists settings (
			id integer primary key check (id = 1),
			record text not null
		);

		-- append-only log of emitted events, cursor-paged for
		-- dashboard backfill
		create table if not exists events (
			id integer primary key autoincrement,
			topic text not null,
			payload text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{DB: db}, nil
}

// Degraded reports whether the most recent write failed. It is a
// visible health signal, not a gate: reads keep working either way.
func (d *DB) Degraded() bool {
	return d.degraded.Load()
}

// writeErr tracks write health and wraps store failures in the
// persistence error class.
func (d *DB) writeErr(op string, err error) error {
	if err != nil {
		d.degraded.Store(true)
		return models.PersistenceErr(op, err)
	}
	d.degraded.Store(false)
	return nil
}
