// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// advisoryServer imitates the advisory lock functions of a PostgreSQL
// server. Locks belong to the session that took them and are
// released when the session closes.
type advisoryServer struct {
	mtx      sync.Mutex
	holders  map[int64]*advisorySession
	sessions int

	// If true, pg_advisory_unlock fails as if the connection
	// broke.
	failUnlock bool
	// If non-nil, called after pg_try_advisory_lock succeeds,
	// and the query then fails with context.Canceled.
	cancelAfterTry func()
}

// open returns a pool of at most maxOpen sessions on the server.
func (srv *advisoryServer) open(maxOpen int) *sqlx.DB {
	db := sql.OpenDB(advisoryConnector{srv})
	db.SetMaxOpenConns(maxOpen)
	return sqlx.NewDb(db, "postgres")
}

// held returns the number of advisory locks currently held.
func (srv *advisoryServer) held() int {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return len(srv.holders)
}

func (srv *advisoryServer) openSessions() int {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.sessions
}

type advisoryConnector struct{ srv *advisoryServer }

func (ac advisoryConnector) Connect(context.Context) (driver.Conn, error) {
	ac.srv.mtx.Lock()
	defer ac.srv.mtx.Unlock()
	ac.srv.sessions++
	return &advisorySession{srv: ac.srv}, nil
}

func (ac advisoryConnector) Driver() driver.Driver { return advisoryDriver{} }

type advisoryDriver struct{}

func (advisoryDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("use the connector")
}

type advisorySession struct {
	srv    *advisoryServer
	closed bool
}

func (sess *advisorySession) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (sess *advisorySession) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (sess *advisorySession) Close() error {
	sess.srv.mtx.Lock()
	defer sess.srv.mtx.Unlock()
	if sess.closed {
		return nil
	}
	sess.closed = true
	sess.srv.sessions--
	for key, holder := range sess.srv.holders {
		if holder == sess {
			delete(sess.srv.holders, key)
		}
	}
	return nil
}

func (sess *advisorySession) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srv := sess.srv
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	if sess.closed {
		return nil, driver.ErrBadConn
	}
	if srv.holders == nil {
		srv.holders = map[int64]*advisorySession{}
	}
	switch {
	case strings.Contains(query, "pg_try_advisory_lock"):
		key := args[0].Value.(int64)
		holder := srv.holders[key]
		if holder != nil && holder != sess {
			return &singleRow{value: false}, nil
		}
		srv.holders[key] = sess
		if srv.cancelAfterTry != nil {
			srv.cancelAfterTry()
			return nil, context.Canceled
		}
		return &singleRow{value: true}, nil
	case strings.Contains(query, "pg_advisory_unlock"):
		if srv.failUnlock {
			return nil, errors.New("read tcp 10.0.0.1:5432: connection reset by peer")
		}
		key := args[0].Value.(int64)
		if srv.holders[key] != sess {
			return &singleRow{value: false}, nil
		}
		delete(srv.holders, key)
		return &singleRow{value: true}, nil
	default:
		return &singleRow{value: int64(1)}, nil
	}
}

type singleRow struct {
	value driver.Value
	done  bool
}

func (r *singleRow) Columns() []string { return []string{"result"} }
func (r *singleRow) Close() error      { return nil }

func (r *singleRow) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.value
	return nil
}
