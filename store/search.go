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

	"github.com/proxycap/proxycap/capture"
)

// searchCap bounds results per source table.
const searchCap = 1000

// Searchable fields.
const (
	FieldURL      = "url"
	FieldHeaders  = "headers"
	FieldBody     = "body"
	FieldResponse = "response"
)

// SearchOptions drives full-text search over the captured corpus.
type SearchOptions struct {
	Query  string
	Fields []string // subset of url, headers, body, response; empty = all

	// CaseSensitive forces the raw-column path; the FTS tokenizer folds
	// case and cannot honor it.
	CaseSensitive bool

	// Regex switches the raw-column path to the REGEXP hook. Regex never
	// runs through FTS.
	Regex bool
}

// SearchResult groups hits per source table.
type SearchResult struct {
	HTTP      []*capture.HTTPTransaction
	WebSocket []*capture.WebSocketConnection

	// UsedFTS reports which path produced the results.
	UsedFTS bool
}

// fieldColumns maps searchable fields onto table columns. WS connections
// have no body columns, so body/response select nothing there.
var (
	httpFieldColumns = map[string]string{
		FieldURL:      "url",
		FieldHeaders:  "request_headers",
		FieldBody:     "request_body",
		FieldResponse: "response_body",
	}
	wsFieldColumns = map[string]string{
		FieldURL:     "url",
		FieldHeaders: "headers",
	}
)

func selectColumns(fields []string, mapping map[string]string) []string {
	if len(fields) == 0 {
		fields = []string{FieldURL, FieldHeaders, FieldBody, FieldResponse}
	}
	var cols []string
	for _, f := range fields {
		if col, ok := mapping[f]; ok {
			cols = append(cols, col)
		}
	}
	return cols
}

// ftsQueryString prepares the user's query for the FTS5 grammar. Queries
// containing characters the grammar would misparse (dots, colons,
// hyphens, at-signs, slashes) are wrapped in double quotes; otherwise the
// quote and star metacharacters are stripped.
func ftsQueryString(q string) string {
	if strings.ContainsAny(q, ".:-@/") {
		return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
	}
	replacer := strings.NewReplacer(`'`, ``, `"`, ``, `*`, ``)
	return replacer.Replace(q)
}

// Search runs an FTS MATCH over the requested fields, ranked by the
// engine's relevance, falling back to LIKE when FTS is unavailable,
// errors out, or matches nothing. Regex and case-sensitive queries go
// straight to the raw-column path.
func (s *Store) Search(ctx context.Context, opts SearchOptions) (SearchResult, error) {
	if !opts.Regex && !opts.CaseSensitive && s.ftsEnabled {
		res, err := s.searchFTS(ctx, opts)
		if err != nil {
			s.logger.Warn("FTS query failed; falling back to LIKE", zap.String("query", opts.Query), zap.Error(err))
		} else if len(res.HTTP) > 0 || len(res.WebSocket) > 0 {
			return res, nil
		}
	}
	return s.searchLike(ctx, opts)
}

func (s *Store) searchFTS(ctx context.Context, opts SearchOptions) (SearchResult, error) {
	var res SearchResult
	res.UsedFTS = true
	match := ftsQueryString(opts.Query)
	if strings.TrimSpace(match) == "" {
		return res, nil
	}

	if cols := selectColumns(opts.Fields, httpFieldColumns); len(cols) > 0 {
		expr := fmt.Sprintf("{%s} : %s", strings.Join(cols, " "), match)
		q := "SELECT " + prefixColumns(httpColumns, "t.") + ` FROM http_traffic t
			JOIN http_traffic_fts f ON t.rowid = f.rowid
			WHERE http_traffic_fts MATCH ? ORDER BY rank LIMIT ?`
		rows, err := s.db.QueryContext(ctx, q, expr, searchCap)
		if err != nil {
			return res, err
		}
		defer rows.Close()
		for rows.Next() {
			tx, err := scanHTTPTransaction(rows)
			if err != nil {
				return res, err
			}
			res.HTTP = append(res.HTTP, tx)
		}
		if err := rows.Err(); err != nil {
			return res, err
		}
	}

	if cols := selectColumns(opts.Fields, wsFieldColumns); len(cols) > 0 {
		expr := fmt.Sprintf("{%s} : %s", strings.Join(cols, " "), match)
		q := "SELECT " + prefixColumns(wsColumns, "c.") + ` FROM websocket_connections c
			JOIN websocket_traffic_fts f ON c.rowid = f.rowid
			WHERE websocket_traffic_fts MATCH ? ORDER BY rank LIMIT ?`
		rows, err := s.db.QueryContext(ctx, q, expr, searchCap)
		if err != nil {
			return res, err
		}
		defer rows.Close()
		for rows.Next() {
			conn, err := scanWebSocketConnection(rows)
			if err != nil {
				return res, err
			}
			res.WebSocket = append(res.WebSocket, conn)
		}
		if err := rows.Err(); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Store) searchLike(ctx context.Context, opts SearchOptions) (SearchResult, error) {
	var res SearchResult

	if cols := selectColumns(opts.Fields, httpFieldColumns); len(cols) > 0 {
		where, args := likeClauses(cols, opts)
		q := "SELECT " + httpColumns + " FROM http_traffic WHERE " + where +
			" ORDER BY timestamp DESC LIMIT ?"
		args = append(args, searchCap)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return res, classify(err)
		}
		defer rows.Close()
		for rows.Next() {
			tx, err := scanHTTPTransaction(rows)
			if err != nil {
				return res, classify(err)
			}
			res.HTTP = append(res.HTTP, tx)
		}
		if err := rows.Err(); err != nil {
			return res, classify(err)
		}
	}

	if cols := selectColumns(opts.Fields, wsFieldColumns); len(cols) > 0 {
		where, args := likeClauses(cols, opts)
		q := "SELECT " + wsColumns + " FROM websocket_connections WHERE " + where +
			" ORDER BY timestamp DESC LIMIT ?"
		args = append(args, searchCap)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return res, classify(err)
		}
		defer rows.Close()
		for rows.Next() {
			conn, err := scanWebSocketConnection(rows)
			if err != nil {
				return res, classify(err)
			}
			res.WebSocket = append(res.WebSocket, conn)
		}
		if err := rows.Err(); err != nil {
			return res, classify(err)
		}
	}
	return res, nil
}

// likeClauses builds the raw-column fallback predicate: REGEXP for regex
// queries, instr() for case-sensitive substring, LIKE otherwise. The
// REGEXP hook is registered with a TEXT signature, so nullable columns
// must be coalesced or any row with a NULL body aborts the query.
func likeClauses(cols []string, opts SearchOptions) (string, []any) {
	var parts []string
	var args []any
	for _, col := range cols {
		switch {
		case opts.Regex:
			parts = append(parts, "COALESCE("+col+", '') REGEXP ?")
			args = append(args, opts.Query)
		case opts.CaseSensitive:
			parts = append(parts, "instr(COALESCE("+col+", ''), ?) > 0")
			args = append(args, opts.Query)
		default:
			parts = append(parts, col+` LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(opts.Query)+"%")
		}
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func escapeLike(q string) string {
	replacer := strings.NewReplacer(`%`, `\%`, `_`, `\_`)
	return replacer.Replace(q)
}

// prefixColumns qualifies a comma-separated column list with a table
// alias for joined queries.
func prefixColumns(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
