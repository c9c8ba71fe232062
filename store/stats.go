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
)

// HostCount is one entry of the top-hosts ranking.
type HostCount struct {
	Host  string `json:"host"`
	Count int64  `json:"count"`
}

// TrafficStats aggregates the captured corpus over an optional window.
type TrafficStats struct {
	TotalTransactions int64 `json:"totalTransactions"`
	TotalConnections  int64 `json:"totalConnections"`
	TotalMessages     int64 `json:"totalMessages"`

	EarliestMS int64 `json:"earliestTimestamp,omitempty"`
	LatestMS   int64 `json:"latestTimestamp,omitempty"`

	MethodCounts map[string]int64 `json:"methodCounts"`
	StatusCounts map[int]int64    `json:"statusCounts"`
	TopHosts     []HostCount      `json:"topHosts"`

	// AvgResponseTimeMS averages rows with a non-null response time.
	AvgResponseTimeMS float64 `json:"avgResponseTime"`

	// ErrorRate is 100 * (#status >= 400) / (#non-null status).
	ErrorRate float64 `json:"errorRate"`

	ProtocolCounts map[string]int64 `json:"protocolCounts"`
	ActiveWS       int64            `json:"activeConnections"`

	// AvgMessagesPerConnection divides the window's total messages by
	// the window's total connections. A message filtered by the window
	// still counts even when its connection falls outside it; this
	// mirrors the historical semantics and is pinned by a test.
	AvgMessagesPerConnection float64 `json:"avgMessagesPerConnection"`
}

func windowClause(column string, startMS, endMS int64) (string, []any) {
	var clause string
	var args []any
	if startMS != 0 {
		clause += " AND " + column + " >= ?"
		args = append(args, startMS)
	}
	if endMS != 0 {
		clause += " AND " + column + " <= ?"
		args = append(args, endMS)
	}
	return clause, args
}

// Stats computes aggregate statistics, optionally bounded to
// [startMS, endMS].
func (s *Store) Stats(ctx context.Context, startMS, endMS int64) (*TrafficStats, error) {
	stats := &TrafficStats{
		MethodCounts:   make(map[string]int64),
		StatusCounts:   make(map[int]int64),
		ProtocolCounts: make(map[string]int64),
	}
	w, args := windowClause("timestamp", startMS, endMS)

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM http_traffic WHERE 1=1`+w, args...)
	var minTS, maxTS sql.NullInt64
	if err := row.Scan(&stats.TotalTransactions, &minTS, &maxTS); err != nil {
		return nil, classify(err)
	}
	stats.EarliestMS, stats.LatestMS = minTS.Int64, maxTS.Int64

	if err := s.scanCounts(ctx,
		`SELECT method, COUNT(*) FROM http_traffic WHERE 1=1`+w+` GROUP BY method`, args,
		func(key string, n int64) { stats.MethodCounts[key] = n }); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status_code, COUNT(*) FROM http_traffic
		 WHERE status_code IS NOT NULL`+w+` GROUP BY status_code`, args...)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		stats.StatusCounts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT host, COUNT(*) AS n FROM http_traffic WHERE host != ''`+w+`
		 GROUP BY host ORDER BY n DESC LIMIT 10`, args...)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var hc HostCount
		if err := rows.Scan(&hc.Host, &hc.Count); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		stats.TopHosts = append(stats.TopHosts, hc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	var avgRT sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(response_time) FROM http_traffic WHERE response_time IS NOT NULL`+w,
		args...).Scan(&avgRT); err != nil {
		return nil, classify(err)
	}
	stats.AvgResponseTimeMS = avgRT.Float64

	var withStatus, errored int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(status_code), COALESCE(SUM(status_code >= 400), 0)
		 FROM http_traffic WHERE status_code IS NOT NULL`+w, args...).Scan(&withStatus, &errored); err != nil {
		return nil, classify(err)
	}
	if withStatus > 0 {
		stats.ErrorRate = 100 * float64(errored) / float64(withStatus)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM websocket_connections WHERE 1=1`+w, args...).Scan(&stats.TotalConnections); err != nil {
		return nil, classify(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM websocket_messages WHERE 1=1`+w, args...).Scan(&stats.TotalMessages); err != nil {
		return nil, classify(err)
	}
	if err := s.scanCounts(ctx,
		`SELECT protocol, COUNT(*) FROM websocket_connections WHERE 1=1`+w+` GROUP BY protocol`, args,
		func(key string, n int64) { stats.ProtocolCounts[key] = n }); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM websocket_connections WHERE closed_at IS NULL`+w, args...).Scan(&stats.ActiveWS); err != nil {
		return nil, classify(err)
	}

	if stats.TotalConnections > 0 {
		stats.AvgMessagesPerConnection = float64(stats.TotalMessages) / float64(stats.TotalConnections)
	}
	return stats, nil
}

func (s *Store) scanCounts(ctx context.Context, q string, args []any, visit func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return classify(err)
		}
		visit(key, n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scanning counts: %w", classify(err))
	}
	return nil
}
