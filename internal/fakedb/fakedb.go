// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory database/sql driver standing in
// for the conditions database.
//
// A test installs the content of the queried table with Run. Every
// statement executed during Run is recorded, with its bound arguments,
// and SELECT statements are checked against the columns of the table.
package fakedb // import "github.com/sviraaj/AliceO2/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Table is the content returned by SELECT statements.
type Table struct {
	Columns []string
	Rows    [][]driver.Value
}

// Stmt is a statement executed through the driver.
type Stmt struct {
	SQL  string
	Args []driver.Value
}

var state struct {
	mu    sync.Mutex
	table Table
	log   []Stmt
}

// Run runs f with tbl as the content of the database and returns the
// statements f executed.
func Run(ctx context.Context, tbl Table, f func(ctx context.Context) error) ([]Stmt, error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.table = tbl
	state.log = nil

	err := f(ctx)
	return state.log, err
}

func record(query string, args []driver.Value) {
	state.log = append(state.log, Stmt{
		SQL:  query,
		Args: append([]driver.Value(nil), args...),
	})
}

func init() {
	sql.Register("fakedb", &Driver{})
}

// Driver is the fakedb database/sql driver.
type Driver struct{}

func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &conn{}, nil
}

type conn struct{}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{query: query}, nil
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakedb: transactions not supported")
}

type stmt struct {
	query string
}

func (st *stmt) Close() error { return nil }

// NumInput returns the number of placeholders, so database/sql checks
// the number of bound arguments.
func (st *stmt) NumInput() int {
	return strings.Count(st.query, "?")
}

func (st *stmt) Exec(args []driver.Value) (driver.Result, error) {
	record(st.query, args)
	return driver.RowsAffected(1), nil
}

func (st *stmt) Query(args []driver.Value) (driver.Rows, error) {
	record(st.query, args)

	cols, err := selected(st.query)
	if err != nil {
		return nil, err
	}
	tbl := state.table
	if len(cols) != len(tbl.Columns) {
		return nil, fmt.Errorf("fakedb: query selects %q, table has %q", cols, tbl.Columns)
	}
	for i := range cols {
		if cols[i] != tbl.Columns[i] {
			return nil, fmt.Errorf("fakedb: query selects %q, table has %q", cols, tbl.Columns)
		}
	}

	return &rows{cols: tbl.Columns, vals: tbl.Rows}, nil
}

// selected returns the column names of a SELECT statement.
func selected(query string) ([]string, error) {
	q := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(q), "SELECT ") {
		return nil, fmt.Errorf("fakedb: not a SELECT statement: %q", query)
	}
	i := strings.Index(strings.ToUpper(q), " FROM ")
	if i < 0 {
		return nil, fmt.Errorf("fakedb: SELECT statement without FROM: %q", query)
	}
	cols := strings.Split(q[len("SELECT "):i], ",")
	for i, c := range cols {
		cols[i] = strings.TrimSpace(c)
	}
	return cols, nil
}

type rows struct {
	cols []string
	vals [][]driver.Value
}

func (rs *rows) Columns() []string { return rs.cols }
func (rs *rows) Close() error      { return nil }

func (rs *rows) Next(dest []driver.Value) error {
	if len(rs.vals) == 0 {
		return io.EOF
	}
	copy(dest, rs.vals[0])
	rs.vals = rs.vals[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*conn)(nil)
	_ driver.Stmt   = (*stmt)(nil)
	_ driver.Rows   = (*rows)(nil)
)
