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
	"fmt"
	"strings"

	"github.com/proxycap/proxycap/capture"
)

// ListFilter narrows a traffic listing. Zero values mean "no constraint";
// protocol filtering is applied in SQL, never as a post-filter, so a page
// never contains rows of an excluded scheme.
type ListFilter struct {
	Host       string // LIKE substring
	Method     string // exact
	Path       string // LIKE substring
	StatusCode int    // exact; 0 = unset

	StartMS int64
	EndMS   int64

	MinResponseTimeMS int64 // 0 = unset
	MaxResponseTimeMS int64 // 0 = unset

	Scheme string // http, https, ws, wss or empty

	// ConnectionStatus filters WebSocket connections: "active" (no
	// closed_at) or "closed". Ignored for HTTP.
	ConnectionStatus string

	Limit  int
	Offset int
	SortBy string // timestamp, url, method, status, responseTime
	Order  string // asc, desc
}

var httpSortColumns = map[string]string{
	"timestamp":    "timestamp",
	"url":          "url",
	"method":       "method",
	"status":       "status_code",
	"responseTime": "response_time",
}

var wsSortColumns = map[string]string{
	"timestamp": "timestamp",
	"url":       "url",
}

func sortClause(columns map[string]string, f ListFilter) string {
	col, ok := columns[f.SortBy]
	if !ok {
		col = "timestamp"
	}
	dir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir = "ASC"
	}
	// Secondary key keeps pagination stable across equal sort values.
	return fmt.Sprintf(" ORDER BY %s %s, rowid %s", col, dir, dir)
}

func pageClause(f ListFilter) (string, []any) {
	if f.Limit <= 0 {
		return "", nil
	}
	return " LIMIT ? OFFSET ?", []any{f.Limit, f.Offset}
}

const httpColumns = `id, timestamp, method, url, host, path, query, scheme,
	request_headers, request_body, request_size, content_type, user_agent,
	client_addr, destination, error, status_code, status_message,
	response_headers, response_body, response_size, response_time`

// QueryHTTP lists HTTP transactions matching the filter.
func (s *Store) QueryHTTP(ctx context.Context, f ListFilter) ([]*capture.HTTPTransaction, error) {
	var where []string
	var args []any

	if f.Host != "" {
		where = append(where, "host LIKE ?")
		args = append(args, "%"+f.Host+"%")
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, strings.ToUpper(f.Method))
	}
	if f.Path != "" {
		where = append(where, "path LIKE ?")
		args = append(args, "%"+f.Path+"%")
	}
	if f.StatusCode != 0 {
		where = append(where, "status_code = ?")
		args = append(args, f.StatusCode)
	}
	if f.StartMS != 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartMS)
	}
	if f.EndMS != 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndMS)
	}
	if f.MinResponseTimeMS != 0 {
		where = append(where, "response_time >= ?")
		args = append(args, f.MinResponseTimeMS)
	}
	if f.MaxResponseTimeMS != 0 {
		where = append(where, "response_time <= ?")
		args = append(args, f.MaxResponseTimeMS)
	}
	if f.Scheme == capture.SchemeHTTP || f.Scheme == capture.SchemeHTTPS {
		where = append(where, "scheme = ?")
		args = append(args, f.Scheme)
	}

	q := "SELECT " + httpColumns + " FROM http_traffic"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += sortClause(httpSortColumns, f)
	page, pageArgs := pageClause(f)
	q += page
	args = append(args, pageArgs...)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*capture.HTTPTransaction
	for rows.Next() {
		tx, err := scanHTTPTransaction(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, tx)
	}
	return out, classify(rows.Err())
}

const wsColumns = `id, timestamp, url, host, protocol, headers,
	response_status, response_headers, established_at, closed_at,
	close_code, close_reason, client_addr, destination`

// QueryWebSocket lists WebSocket connections matching the filter.
// Messages are not materialized here; see GetWebSocketConnection.
func (s *Store) QueryWebSocket(ctx context.Context, f ListFilter) ([]*capture.WebSocketConnection, error) {
	var where []string
	var args []any

	if f.Host != "" {
		where = append(where, "host LIKE ?")
		args = append(args, "%"+f.Host+"%")
	}
	if f.Path != "" {
		where = append(where, "url LIKE ?")
		args = append(args, "%"+f.Path+"%")
	}
	if f.StartMS != 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartMS)
	}
	if f.EndMS != 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndMS)
	}
	if f.Scheme == capture.SchemeWS || f.Scheme == capture.SchemeWSS {
		where = append(where, "protocol = ?")
		args = append(args, f.Scheme)
	}
	switch f.ConnectionStatus {
	case "active":
		where = append(where, "closed_at IS NULL")
	case "closed":
		where = append(where, "closed_at IS NOT NULL")
	}

	q := "SELECT " + wsColumns + " FROM websocket_connections"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += sortClause(wsSortColumns, f)
	page, pageArgs := pageClause(f)
	q += page
	args = append(args, pageArgs...)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*capture.WebSocketConnection
	for rows.Next() {
		conn, err := scanWebSocketConnection(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, conn)
	}
	return out, classify(rows.Err())
}

// GetHTTPTransaction is the point lookup by id.
func (s *Store) GetHTTPTransaction(ctx context.Context, id string) (*capture.HTTPTransaction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+httpColumns+" FROM http_traffic WHERE id = ?", id)
	tx, err := scanHTTPTransaction(row)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// GetWebSocketConnection looks up one connection by id without messages.
func (s *Store) GetWebSocketConnection(ctx context.Context, id string) (*capture.WebSocketConnection, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+wsColumns+" FROM websocket_connections WHERE id = ?", id)
	conn, err := scanWebSocketConnection(row)
	if err != nil {
		return nil, classify(err)
	}
	return conn, nil
}

// ListWebSocketMessages returns a connection's messages in timestamp
// order. It returns ErrNotFound when the connection does not exist at
// all, so callers can distinguish "no messages yet" from a bad id.
func (s *Store) ListWebSocketMessages(ctx context.Context, connectionID string, limit, offset int) ([]*capture.WebSocketMessage, error) {
	if _, err := s.GetWebSocketConnection(ctx, connectionID); err != nil {
		return nil, err
	}

	q := `SELECT id, connection_id, timestamp, direction, type, data, frame_size
		FROM websocket_messages WHERE connection_id = ?
		ORDER BY timestamp ASC, rowid ASC`
	args := []any{connectionID}
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*capture.WebSocketMessage
	for rows.Next() {
		var m capture.WebSocketMessage
		var data sql.NullString
		if err := rows.Scan(&m.ID, &m.ConnectionID, &m.TimestampMS, &m.Direction, &m.Type, &data, &m.FrameSize); err != nil {
			return nil, classify(err)
		}
		m.Payload = capture.BodyPayload(data.String)
		out = append(out, &m)
	}
	return out, classify(rows.Err())
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanHTTPTransaction(sc scanner) (*capture.HTTPTransaction, error) {
	var tx capture.HTTPTransaction
	var reqHeaders, reqBody, errMsg sql.NullString
	var statusCode, respSize, respTime sql.NullInt64
	var statusMessage, respHeaders, respBody sql.NullString

	err := sc.Scan(
		&tx.ID, &tx.TimestampMS, &tx.Method, &tx.URL, &tx.Host, &tx.Path, &tx.Query, &tx.Scheme,
		&reqHeaders, &reqBody, &tx.BodySize, &tx.ContentType, &tx.UserAgent,
		&tx.ClientAddr, &tx.Destination, &errMsg, &statusCode, &statusMessage,
		&respHeaders, &respBody, &respSize, &respTime,
	)
	if err != nil {
		return nil, err
	}

	tx.Headers = capture.ParseHeaderJSON(reqHeaders.String)
	tx.Body = capture.BodyPayload(reqBody.String)
	tx.Error = errMsg.String
	if statusCode.Valid {
		tx.Response = &capture.HTTPResponse{
			StatusCode:     int(statusCode.Int64),
			StatusMessage:  statusMessage.String,
			Headers:        capture.ParseHeaderJSON(respHeaders.String),
			Body:           capture.BodyPayload(respBody.String),
			BodySize:       respSize.Int64,
			ResponseTimeMS: respTime.Int64,
		}
	}
	return &tx, nil
}

func scanWebSocketConnection(sc scanner) (*capture.WebSocketConnection, error) {
	var conn capture.WebSocketConnection
	var headers sql.NullString
	var respStatus, closedAt, closeCode sql.NullInt64
	var respHeaders, closeReason sql.NullString

	err := sc.Scan(
		&conn.ID, &conn.TimestampMS, &conn.URL, &conn.Host, &conn.Scheme,
		&headers, &respStatus, &respHeaders, &conn.Lifecycle.EstablishedMS,
		&closedAt, &closeCode, &closeReason, &conn.ClientAddr, &conn.Destination,
	)
	if err != nil {
		return nil, err
	}

	conn.Headers = capture.ParseHeaderJSON(headers.String)
	if respStatus.Valid {
		conn.Response = &capture.WebSocketUpgradeResponse{
			StatusCode: int(respStatus.Int64),
			Headers:    capture.ParseHeaderJSON(respHeaders.String),
		}
	}
	conn.Lifecycle.ClosedMS = closedAt.Int64
	conn.Lifecycle.CloseCode = int(closeCode.Int64)
	conn.Lifecycle.CloseReason = closeReason.String
	return &conn, nil
}
