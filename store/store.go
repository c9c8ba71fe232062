// Copyright 2026 The Proxycap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists captured traffic in an embedded sqlite database:
// one row per HTTP transaction, one row per WebSocket connection, many
// rows per connection for its messages, with FTS5 virtual tables kept
// coherent by triggers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// driverName registers a sqlite3 driver with a REGEXP hook backed by Go's
// regexp package. The hook is only exercised on the LIKE/regex search
// path, never by FTS.
const driverName = "sqlite3_proxycap"

var registerDriver sync.Once

func registerSQLiteDriver() {
	registerDriver.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", func(pattern, value string) (bool, error) {
					re, err := regexp.Compile(pattern)
					if err != nil {
						return false, err
					}
					return re.MatchString(value), nil
				}, true)
			},
		})
	})
}

// Store owns the database handle. It is safe for concurrent use: WAL mode
// permits concurrent readers alongside the single active writer, and
// sqlite serializes the writes themselves.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// ftsEnabled reflects whether the FTS5 virtual tables exist and are
	// usable. It starts from the configured value and drops to false if
	// the sqlite build lacks the fts5 module.
	ftsEnabled bool
}

// Options for Open.
type Options struct {
	Path      string
	EnableFTS bool
	Logger    *zap.Logger
}

// Open opens (creating if needed) the database at opts.Path and ensures
// the schema. On an existing database with stale FTS content, the virtual
// tables are rebuilt.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrStorageUnavailable)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registerSQLiteDriver()

	dsn := opts.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorageUnavailable, opts.Path, err)
	}
	// A small pool: sqlite allows one writer, WAL readers don't block it.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s := &Store{db: db, logger: logger.Named("store"), ftsEnabled: opts.EnableFTS}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if s.ftsEnabled {
		if err := s.syncFTSIfStale(); err != nil {
			s.logger.Warn("FTS coherence check failed; attempting repair", zap.Error(err))
			if err := s.RepairFTS(context.Background()); err != nil {
				s.logger.Error("FTS repair failed; disabling full-text search", zap.Error(err))
				s.ftsEnabled = false
			}
		}
	}
	return s, nil
}

// FTSEnabled reports whether full-text search is usable.
func (s *Store) FTSEnabled() bool { return s.ftsEnabled }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable and writable enough to answer.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return classify(err)
	}
	return nil
}
