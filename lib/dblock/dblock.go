// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dblock provides named mutual-exclusion locks, either
// cluster-wide (PostgreSQL advisory locks) or within one process.
package dblock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
)

// A Locker acquires a lock on a named key, blocking until the lock is
// available or ctx is done. The returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Key returns the advisory lock ID for the given lock name.
func Key(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// PGLocker uses PostgreSQL advisory locks so the lock is held across
// all server processes sharing the database.
//
// Each holder of a LockAll key set occupies one connection from DB
// until it releases. Waiting does not occupy a connection: within a
// process, waiters queue on an in-memory lock, and the one at the
// head of the queue polls pg_try_advisory_lock, returning its
// connection to the pool between attempts. DB should be a pool
// dedicated to locks, so lock holders never compete with their own
// queries for connections.
type PGLocker struct {
	DB *sqlx.DB

	// Delay between attempts when another process holds the
	// lock. Zero means 100ms.
	RetryDelay time.Duration

	local LocalLocker
}

func (pgl *PGLocker) Lock(ctx context.Context, name string) (func(), error) {
	return pgl.lockAll(ctx, []string{name})
}

func (pgl *PGLocker) lockAll(ctx context.Context, names []string) (func(), error) {
	releaseLocal, err := LockAll(ctx, &pgl.local, names...)
	if err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx).WithField("Locks", names)
	delay := pgl.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for waited := false; ; waited = true {
		if waited {
			select {
			case <-ctx.Done():
				releaseLocal()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		conn, err := pgl.DB.Conn(ctx)
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("getting database connection for locks %q: %w", names, err)
		}
		locked, err := tryLockAll(ctx, conn, names)
		if err != nil {
			discard(conn)
			releaseLocal()
			return nil, err
		}
		if !locked {
			conn.Close()
			if !waited {
				logger.Debug("waiting for another process to release lock")
			}
			continue
		}
		logger.Debug("acquired pg_advisory_lock")
		var once sync.Once
		return func() {
			once.Do(func() {
				// The caller's ctx may already be canceled,
				// and the locks must still be released.
				if err := unlockAll(context.Background(), conn, names); err != nil {
					logger.WithError(err).Info("error releasing pg_advisory_lock")
					discard(conn)
				} else {
					logger.Debug("released pg_advisory_lock")
					conn.Close()
				}
				releaseLocal()
			})
		}, nil
	}
}

// tryLockAll acquires all of the named locks on conn, or none of
// them. An error means the session's lock state is unknown.
func tryLockAll(ctx context.Context, conn *sql.Conn, names []string) (bool, error) {
	for i, name := range names {
		var locked bool
		err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, Key(name)).Scan(&locked)
		if err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock(%q): %w", name, err)
		}
		if !locked {
			if err := unlockAll(ctx, conn, names[:i]); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	return true, nil
}

func unlockAll(ctx context.Context, conn *sql.Conn, names []string) error {
	for i := len(names) - 1; i >= 0; i-- {
		var unlocked bool
		err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, Key(names[i])).Scan(&unlocked)
		if err != nil {
			return fmt.Errorf("pg_advisory_unlock(%q): %w", names[i], err)
		}
		if !unlocked {
			return fmt.Errorf("pg_advisory_unlock(%q): lock was not held", names[i])
		}
	}
	return nil
}

// discard closes conn's database session instead of returning it to
// the pool. Closing the session releases any advisory locks it still
// holds.
func discard(conn *sql.Conn) {
	conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	conn.Close()
}

// LocalLocker holds locks in process memory. It is suitable only
// when a single server process uses the database.
type LocalLocker struct {
	mtx   sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	held chan struct{}
	refs int
}

func (ll *LocalLocker) Lock(ctx context.Context, name string) (func(), error) {
	ll.mtx.Lock()
	if ll.locks == nil {
		ll.locks = map[string]*localLock{}
	}
	lk := ll.locks[name]
	if lk == nil {
		lk = &localLock{held: make(chan struct{}, 1)}
		ll.locks[name] = lk
	}
	lk.refs++
	ll.mtx.Unlock()

	select {
	case lk.held <- struct{}{}:
	case <-ctx.Done():
		ll.unref(name, lk)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.held
			ll.unref(name, lk)
		})
	}, nil
}

func (ll *LocalLocker) unref(name string, lk *localLock) {
	ll.mtx.Lock()
	defer ll.mtx.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(ll.locks, name)
	}
}

// LockAll acquires the named locks in the given order, and returns a
// function that releases them in reverse order. If any lock cannot be
// acquired, the ones already held are released before returning.
func LockAll(ctx context.Context, locker Locker, names ...string) (func(), error) {
	if ml, ok := locker.(interface {
		lockAll(context.Context, []string) (func(), error)
	}); ok {
		return ml.lockAll(ctx, names)
	}
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, name := range names {
		release, err := locker.Lock(ctx, name)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
