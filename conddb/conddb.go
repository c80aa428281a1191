// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to describe the run conditions database:
// the global run parameters (GRP) of each run.
package conddb // import "github.com/sviraaj/AliceO2/conddb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/sviraaj/AliceO2/detectors"
)

var (
	// ErrNoGRP is returned when no GRP record matches a query.
	ErrNoGRP = errors.New("conddb: no GRP record")
)

const timeout = 5 * time.Second

// DB exposes convenience methods to easily retrieve run conditions
// from the conditions database.
type DB struct {
	db  *sql.DB
	drv string
}

// Open opens a connection to the conditions database, using the
// database/sql driver drv ("mysql" or "sqlite") and the data source
// name dsn.
func Open(drv, dsn string) (*DB, error) {
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %s db: %w", drv, err)
	}

	err = ping(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conddb: could not ping %s db: %w", drv, err)
	}

	return &DB{db: db, drv: drv}, nil
}

// DSN returns the data source name of a MySQL database.
func DSN(usr, pwd, host, dbname string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, dbname)
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// CreateTables creates the tables of the conditions database, if needed.
func (db *DB) CreateTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS grp (
	run        INTEGER PRIMARY KEY,
	start      BIGINT NOT NULL,
	readout    TEXT NOT NULL,
	continuous TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("conddb: could not create grp table: %w", err)
	}
	return nil
}

// PutGRP stores the GRP record of a run.
func (db *DB) PutGRP(ctx context.Context, grp GRP) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(ctx,
		"INSERT INTO grp (run, start, readout, continuous) VALUES (?, ?, ?, ?)",
		grp.Run, grp.Start.Unix(), grp.ReadOut.String(), grp.Continuous.String(),
	)
	if err != nil {
		return fmt.Errorf("conddb: could not insert GRP of run %d: %w", grp.Run, err)
	}
	return nil
}

// GRP retrieves the GRP record of a run.
func (db *DB) GRP(ctx context.Context, run int64) (GRP, error) {
	return db.queryGRP(ctx,
		"SELECT run, start, readout, continuous FROM grp WHERE run=? LIMIT 1",
		run,
	)
}

// LastGRP retrieves the GRP record of the last run.
func (db *DB) LastGRP(ctx context.Context) (GRP, error) {
	return db.queryGRP(ctx,
		"SELECT run, start, readout, continuous FROM grp ORDER BY run DESC LIMIT 1",
	)
}

func (db *DB) queryGRP(ctx context.Context, query string, args ...any) (GRP, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		grp GRP
		n   = 0
	)
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return grp, fmt.Errorf("conddb: could not query GRP: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			start      int64
			readout    string
			continuous string
		)
		err = rows.Scan(&grp.Run, &start, &readout, &continuous)
		if err != nil {
			return grp, fmt.Errorf("conddb: could not get GRP value: %w", err)
		}
		grp.Start = time.Unix(start, 0).UTC()
		grp.ReadOut, err = detectors.ParseMask(readout)
		if err != nil {
			return grp, fmt.Errorf("conddb: could not parse GRP readout detectors: %w", err)
		}
		grp.Continuous, err = detectors.ParseMask(continuous)
		if err != nil {
			return grp, fmt.Errorf("conddb: could not parse GRP continuous detectors: %w", err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return grp, fmt.Errorf("conddb: could not scan db for GRP: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return grp, fmt.Errorf("conddb: context error while retrieving GRP: %w", err)
	}

	if n == 0 {
		return grp, ErrNoGRP
	}

	return grp, nil
}
