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
	"database/sql"

	"github.com/proxycap/proxycap/capture"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: valid}
}

// InsertHTTPTransaction stores a transaction with null response columns.
// The request insert strictly happens-before the paired response update.
func (s *Store) InsertHTTPTransaction(ctx context.Context, tx *capture.HTTPTransaction) error {
	const q = `INSERT INTO http_traffic (
		id, timestamp, method, url, host, path, query, scheme,
		request_headers, request_body, request_size, content_type,
		user_agent, client_addr, destination, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		tx.ID, tx.TimestampMS, tx.Method, tx.URL, tx.Host, tx.Path, tx.Query, tx.Scheme,
		tx.Headers.MarshalJSONText(), nullString(tx.Body.String()), tx.BodySize, tx.ContentType,
		tx.UserAgent, tx.ClientAddr, tx.Destination, nullString(tx.Error),
	)
	if err != nil {
		err = classify(err)
		s.logWriteError("insert http transaction", err)
		return err
	}
	return nil
}

// UpdateHTTPRequestBody backfills the captured request body. The body is
// only complete once upstream has drained the stream, after the insert.
func (s *Store) UpdateHTTPRequestBody(ctx context.Context, id string, body capture.BodyPayload, size int64) (bool, error) {
	const q = `UPDATE http_traffic SET request_body = ?, request_size = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q, nullString(body.String()), size, id)
	if err != nil {
		err = classify(err)
		s.logWriteError("update http request body", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateHTTPResponse writes the response sub-record exactly once. If the
// row was already evicted it returns (false, nil); the caller may log.
func (s *Store) UpdateHTTPResponse(ctx context.Context, id string, resp *capture.HTTPResponse) (bool, error) {
	const q = `UPDATE http_traffic SET
		status_code = ?, status_message = ?, response_headers = ?,
		response_body = ?, response_size = ?, response_time = ?
	WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q,
		resp.StatusCode, resp.StatusMessage, resp.Headers.MarshalJSONText(),
		nullString(resp.Body.String()), resp.BodySize, resp.ResponseTimeMS, id,
	)
	if err != nil {
		err = classify(err)
		s.logWriteError("update http response", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetHTTPError records the terminal error of a transaction that never got
// a usable response.
func (s *Store) SetHTTPError(ctx context.Context, id, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE http_traffic SET error = ? WHERE id = ?`, message, id)
	if err != nil {
		err = classify(err)
		s.logWriteError("set http error", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertWebSocketConnection stores one upgrade capture.
func (s *Store) InsertWebSocketConnection(ctx context.Context, conn *capture.WebSocketConnection) error {
	const q = `INSERT INTO websocket_connections (
		id, timestamp, url, host, protocol, headers,
		response_status, response_headers, established_at,
		client_addr, destination
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var respStatus sql.NullInt64
	var respHeaders sql.NullString
	if conn.Response != nil {
		respStatus = nullInt(int64(conn.Response.StatusCode), true)
		respHeaders = nullString(conn.Response.Headers.MarshalJSONText())
	}

	_, err := s.db.ExecContext(ctx, q,
		conn.ID, conn.TimestampMS, conn.URL, conn.Host, conn.Scheme,
		conn.Headers.MarshalJSONText(), respStatus, respHeaders,
		conn.Lifecycle.EstablishedMS, conn.ClientAddr, conn.Destination,
	)
	if err != nil {
		err = classify(err)
		s.logWriteError("insert websocket connection", err)
		return err
	}
	return nil
}

// UpdateWebSocketClose records the close handshake. Close code and reason
// are stored iff a close timestamp is.
func (s *Store) UpdateWebSocketClose(ctx context.Context, id string, closedMS int64, closeCode int, closeReason string) (bool, error) {
	const q = `UPDATE websocket_connections SET
		closed_at = ?, close_code = ?, close_reason = ?
	WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q, closedMS, closeCode, nullString(closeReason), id)
	if err != nil {
		err = classify(err)
		s.logWriteError("update websocket close", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendWebSocketMessage inserts one frame; the foreign key enforces the
// parent connection's existence.
func (s *Store) AppendWebSocketMessage(ctx context.Context, msg *capture.WebSocketMessage) error {
	const q = `INSERT INTO websocket_messages (
		id, connection_id, timestamp, direction, type, data, frame_size
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		msg.ID, msg.ConnectionID, msg.TimestampMS, msg.Direction, msg.Type,
		nullString(msg.Payload.String()), msg.FrameSize,
	)
	if err != nil {
		err = classify(err)
		s.logWriteError("append websocket message", err)
		return err
	}
	return nil
}
