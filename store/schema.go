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

package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Base tables. Timestamps are integer milliseconds since epoch; header
// blocks are JSON-encoded ordered name/value lists; bodies are text with
// binary payloads carrying the [BINARY:base64] prefix.
var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS http_traffic (
		id              TEXT PRIMARY KEY,
		timestamp       INTEGER NOT NULL,
		method          TEXT NOT NULL,
		url             TEXT NOT NULL,
		host            TEXT NOT NULL DEFAULT '',
		path            TEXT NOT NULL DEFAULT '',
		query           TEXT NOT NULL DEFAULT '',
		scheme          TEXT NOT NULL CHECK (scheme IN ('http', 'https')),
		request_headers TEXT,
		request_body    TEXT,
		request_size    INTEGER NOT NULL DEFAULT 0,
		content_type    TEXT NOT NULL DEFAULT '',
		user_agent      TEXT NOT NULL DEFAULT '',
		client_addr     TEXT NOT NULL DEFAULT '',
		destination     TEXT NOT NULL DEFAULT '',
		error           TEXT,
		status_code     INTEGER,
		status_message  TEXT,
		response_headers TEXT,
		response_body   TEXT,
		response_size   INTEGER,
		response_time   INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS websocket_connections (
		id               TEXT PRIMARY KEY,
		timestamp        INTEGER NOT NULL,
		url              TEXT NOT NULL,
		host             TEXT NOT NULL DEFAULT '',
		protocol         TEXT NOT NULL CHECK (protocol IN ('ws', 'wss')),
		headers          TEXT,
		response_status  INTEGER,
		response_headers TEXT,
		established_at   INTEGER NOT NULL,
		closed_at        INTEGER,
		close_code       INTEGER,
		close_reason     TEXT,
		client_addr      TEXT NOT NULL DEFAULT '',
		destination      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS websocket_messages (
		id            TEXT NOT NULL,
		connection_id TEXT NOT NULL REFERENCES websocket_connections(id) ON DELETE CASCADE,
		timestamp     INTEGER NOT NULL,
		direction     TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
		type          TEXT NOT NULL CHECK (type IN ('text', 'binary', 'ping', 'pong', 'close')),
		data          TEXT,
		frame_size    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (connection_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_http_traffic_timestamp ON http_traffic (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_http_traffic_host ON http_traffic (host)`,
	`CREATE INDEX IF NOT EXISTS idx_http_traffic_method ON http_traffic (method)`,
	`CREATE INDEX IF NOT EXISTS idx_http_traffic_status ON http_traffic (status_code)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_connections_timestamp ON websocket_connections (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_connections_host ON websocket_connections (host)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_connections_protocol ON websocket_connections (protocol)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_messages_connection ON websocket_messages (connection_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ws_messages_timestamp ON websocket_messages (timestamp)`,
}

// FTS virtual tables are content-linked to their base table by rowid, so
// they store only the index; the triggers below keep them coherent.
var ftsSchema = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS http_traffic_fts USING fts5(
		id, url, request_headers, request_body, response_body,
		content='http_traffic', content_rowid='rowid'
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS websocket_traffic_fts USING fts5(
		id, url, headers,
		content='websocket_connections', content_rowid='rowid'
	)`,
}

// Six triggers: insert/update/delete for each base table. An update is a
// 'delete' of the old index entry followed by an insert of the new one.
var ftsTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS http_traffic_ai AFTER INSERT ON http_traffic BEGIN
		INSERT INTO http_traffic_fts(rowid, id, url, request_headers, request_body, response_body)
		VALUES (new.rowid, new.id, new.url, new.request_headers, new.request_body, new.response_body);
	END`,
	`CREATE TRIGGER IF NOT EXISTS http_traffic_au AFTER UPDATE ON http_traffic BEGIN
		INSERT INTO http_traffic_fts(http_traffic_fts, rowid, id, url, request_headers, request_body, response_body)
		VALUES ('delete', old.rowid, old.id, old.url, old.request_headers, old.request_body, old.response_body);
		INSERT INTO http_traffic_fts(rowid, id, url, request_headers, request_body, response_body)
		VALUES (new.rowid, new.id, new.url, new.request_headers, new.request_body, new.response_body);
	END`,
	`CREATE TRIGGER IF NOT EXISTS http_traffic_ad AFTER DELETE ON http_traffic BEGIN
		INSERT INTO http_traffic_fts(http_traffic_fts, rowid, id, url, request_headers, request_body, response_body)
		VALUES ('delete', old.rowid, old.id, old.url, old.request_headers, old.request_body, old.response_body);
	END`,
	`CREATE TRIGGER IF NOT EXISTS websocket_connections_ai AFTER INSERT ON websocket_connections BEGIN
		INSERT INTO websocket_traffic_fts(rowid, id, url, headers)
		VALUES (new.rowid, new.id, new.url, new.headers);
	END`,
	`CREATE TRIGGER IF NOT EXISTS websocket_connections_au AFTER UPDATE ON websocket_connections BEGIN
		INSERT INTO websocket_traffic_fts(websocket_traffic_fts, rowid, id, url, headers)
		VALUES ('delete', old.rowid, old.id, old.url, old.headers);
		INSERT INTO websocket_traffic_fts(rowid, id, url, headers)
		VALUES (new.rowid, new.id, new.url, new.headers);
	END`,
	`CREATE TRIGGER IF NOT EXISTS websocket_connections_ad AFTER DELETE ON websocket_connections BEGIN
		INSERT INTO websocket_traffic_fts(websocket_traffic_fts, rowid, id, url, headers)
		VALUES ('delete', old.rowid, old.id, old.url, old.headers);
	END`,
}

var ftsObjects = []string{
	"DROP TRIGGER IF EXISTS http_traffic_ai",
	"DROP TRIGGER IF EXISTS http_traffic_au",
	"DROP TRIGGER IF EXISTS http_traffic_ad",
	"DROP TRIGGER IF EXISTS websocket_connections_ai",
	"DROP TRIGGER IF EXISTS websocket_connections_au",
	"DROP TRIGGER IF EXISTS websocket_connections_ad",
	"DROP TABLE IF EXISTS http_traffic_fts",
	"DROP TABLE IF EXISTS websocket_traffic_fts",
}

func (s *Store) initSchema() error {
	for _, stmt := range baseSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: creating schema: %v", ErrStorageUnavailable, err)
		}
	}
	if !s.ftsEnabled {
		return nil
	}
	for _, stmt := range append(append([]string{}, ftsSchema...), ftsTriggers...) {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "no such module: fts5") {
				s.logger.Warn("sqlite built without fts5; full-text search disabled (build with -tags sqlite_fts5)")
				s.ftsEnabled = false
				return nil
			}
			return fmt.Errorf("%w: creating FTS schema: %v", ErrStorageUnavailable, err)
		}
	}
	return nil
}

// syncFTSIfStale rebuilds the virtual tables when their row counts
// disagree with the base tables, which happens when a database was
// written without triggers (or with FTS disabled) and reopened.
func (s *Store) syncFTSIfStale() error {
	stale, err := s.ftsStale()
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}
	s.logger.Info("FTS index out of sync with base tables; rebuilding")
	return s.RebuildFTS(context.Background())
}

func (s *Store) ftsStale() (bool, error) {
	pairs := [][2]string{
		{"http_traffic", "http_traffic_fts"},
		{"websocket_connections", "websocket_traffic_fts"},
	}
	for _, p := range pairs {
		var base, fts int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + p[0]).Scan(&base); err != nil {
			return false, classify(err)
		}
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + p[1]).Scan(&fts); err != nil {
			return false, classify(err)
		}
		if base != fts {
			return true, nil
		}
	}
	return false, nil
}

// RebuildFTS repopulates both virtual tables from their content tables.
func (s *Store) RebuildFTS(ctx context.Context) error {
	if !s.ftsEnabled {
		return nil
	}
	for _, table := range []string{"http_traffic_fts", "websocket_traffic_fts"} {
		stmt := fmt.Sprintf("INSERT INTO %s(%s) VALUES('rebuild')", table, table)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: rebuilding %s: %v", ErrStorageUnavailable, table, err)
		}
	}
	return nil
}

// RepairFTS drops and recreates both virtual tables and all six triggers,
// then rebuilds. This is the recovery path for malformed FTS state.
func (s *Store) RepairFTS(ctx context.Context) error {
	if !s.ftsEnabled {
		return nil
	}
	s.logger.Warn("repairing FTS tables and triggers")
	for _, stmt := range ftsObjects {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: dropping FTS objects: %v", ErrStorageUnavailable, err)
		}
	}
	for _, stmt := range append(append([]string{}, ftsSchema...), ftsTriggers...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: recreating FTS schema: %v", ErrStorageUnavailable, err)
		}
	}
	return s.RebuildFTS(ctx)
}

func (s *Store) logWriteError(op string, err error) {
	s.logger.Error("store write failed", zap.String("op", op), zap.Error(err))
}
