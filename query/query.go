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

// Package query is the read-side facade over the traffic store: filtered
// listings, point lookups, full-text search and aggregates, with input
// validation up front.
package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/proxycap/proxycap/capture"
	"github.com/proxycap/proxycap/store"
)

// ErrInvalidArgument rejects malformed input before any query runs.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

var (
	validSchemes = map[string]struct{}{
		capture.SchemeHTTP: {}, capture.SchemeHTTPS: {},
		capture.SchemeWS: {}, capture.SchemeWSS: {},
	}
	validSort = map[string]struct{}{
		"timestamp": {}, "url": {}, "method": {}, "status": {}, "responseTime": {},
	}
	validFields = map[string]struct{}{
		store.FieldURL: {}, store.FieldHeaders: {}, store.FieldBody: {}, store.FieldResponse: {},
	}
)

// Service wraps a read reference to the Store.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// New builds the facade.
func New(st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger}
}

// ListParams filter a traffic listing. Zero values mean unconstrained.
type ListParams struct {
	Host       string `json:"host,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`

	StartMS int64 `json:"startTime,omitempty"`
	EndMS   int64 `json:"endTime,omitempty"`

	MinResponseTimeMS int64 `json:"minResponseTime,omitempty"`
	MaxResponseTimeMS int64 `json:"maxResponseTime,omitempty"`

	Scheme           string `json:"scheme,omitempty"`
	ConnectionStatus string `json:"connectionStatus,omitempty"`

	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	SortBy string `json:"sortBy,omitempty"`
	Order  string `json:"order,omitempty"`
}

func (p *ListParams) validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must be non-negative", ErrInvalidArgument)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset must be non-negative", ErrInvalidArgument)
	}
	if p.Limit == 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Scheme != "" {
		if _, ok := validSchemes[p.Scheme]; !ok {
			return fmt.Errorf("%w: unknown scheme %q", ErrInvalidArgument, p.Scheme)
		}
	}
	if p.SortBy != "" {
		if _, ok := validSort[p.SortBy]; !ok {
			return fmt.Errorf("%w: unknown sort field %q", ErrInvalidArgument, p.SortBy)
		}
	}
	switch p.Order {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("%w: order must be asc or desc", ErrInvalidArgument)
	}
	switch p.ConnectionStatus {
	case "", "active", "closed":
	default:
		return fmt.Errorf("%w: connection status must be active or closed", ErrInvalidArgument)
	}
	if p.StatusCode != 0 && (p.StatusCode < 100 || p.StatusCode > 599) {
		return fmt.Errorf("%w: status code %d out of range", ErrInvalidArgument, p.StatusCode)
	}
	if p.StartMS != 0 && p.EndMS != 0 && p.StartMS > p.EndMS {
		return fmt.Errorf("%w: start time after end time", ErrInvalidArgument)
	}
	return nil
}

func (p ListParams) filter() store.ListFilter {
	return store.ListFilter{
		Host:              p.Host,
		Method:            p.Method,
		Path:              p.Path,
		StatusCode:        p.StatusCode,
		StartMS:           p.StartMS,
		EndMS:             p.EndMS,
		MinResponseTimeMS: p.MinResponseTimeMS,
		MaxResponseTimeMS: p.MaxResponseTimeMS,
		Scheme:            p.Scheme,
		ConnectionStatus:  p.ConnectionStatus,
		SortBy:            p.SortBy,
		Order:             p.Order,
	}
}

// Entry kinds in a mixed listing.
const (
	KindHTTP      = "http"
	KindWebSocket = "websocket"
)

// Entry is one row of a listing, either protocol.
type Entry struct {
	Kind      string                       `json:"kind"`
	HTTP      *capture.HTTPTransaction     `json:"http,omitempty"`
	WebSocket *capture.WebSocketConnection `json:"webSocket,omitempty"`
}

func (e Entry) timestamp() int64 {
	if e.HTTP != nil {
		return e.HTTP.TimestampMS
	}
	return e.WebSocket.TimestampMS
}

// List runs a filtered listing. An http/https scheme touches only the
// HTTP table, ws/wss only the WebSocket table; with no scheme both are
// queried and merged in memory by timestamp before pagination.
func (s *Service) List(ctx context.Context, p ListParams) ([]Entry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	f := p.filter()

	switch p.Scheme {
	case capture.SchemeHTTP, capture.SchemeHTTPS:
		f.Limit, f.Offset = p.Limit, p.Offset
		txs, err := s.store.QueryHTTP(ctx, f)
		if err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(txs))
		for _, tx := range txs {
			entries = append(entries, Entry{Kind: KindHTTP, HTTP: tx})
		}
		return entries, nil

	case capture.SchemeWS, capture.SchemeWSS:
		f.Limit, f.Offset = p.Limit, p.Offset
		conns, err := s.store.QueryWebSocket(ctx, f)
		if err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(conns))
		for _, conn := range conns {
			entries = append(entries, Entry{Kind: KindWebSocket, WebSocket: conn})
		}
		return entries, nil
	}

	// Mixed listing: over-fetch each source by the page horizon, then
	// merge and paginate in memory.
	f.Limit = p.Offset + p.Limit
	f.Offset = 0
	f.SortBy = "timestamp"

	txs, err := s.store.QueryHTTP(ctx, f)
	if err != nil {
		return nil, err
	}
	conns, err := s.store.QueryWebSocket(ctx, f)
	if err != nil {
		return nil, err
	}

	merged := make([]Entry, 0, len(txs)+len(conns))
	for _, tx := range txs {
		merged = append(merged, Entry{Kind: KindHTTP, HTTP: tx})
	}
	for _, conn := range conns {
		merged = append(merged, Entry{Kind: KindWebSocket, WebSocket: conn})
	}
	asc := p.Order == "asc"
	sort.SliceStable(merged, func(i, j int) bool {
		if asc {
			return merged[i].timestamp() < merged[j].timestamp()
		}
		return merged[i].timestamp() > merged[j].timestamp()
	})

	if p.Offset >= len(merged) {
		return []Entry{}, nil
	}
	merged = merged[p.Offset:]
	if len(merged) > p.Limit {
		merged = merged[:p.Limit]
	}
	return merged, nil
}

// Details is a point lookup result: exactly one of HTTP or WebSocket is
// set; Messages accompany a WebSocket hit.
type Details struct {
	Kind      string                       `json:"kind"`
	HTTP      *capture.HTTPTransaction     `json:"http,omitempty"`
	WebSocket *capture.WebSocketConnection `json:"webSocket,omitempty"`
	Messages  []*capture.WebSocketMessage  `json:"messages,omitempty"`
}

// Get looks an id up in the HTTP table first, then the WebSocket table
// with messages materialized. A double miss is store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Details, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}

	tx, err := s.store.GetHTTPTransaction(ctx, id)
	if err == nil {
		return &Details{Kind: KindHTTP, HTTP: tx}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conn, err := s.store.GetWebSocketConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListWebSocketMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Details{Kind: KindWebSocket, WebSocket: conn, Messages: msgs}, nil
}

// Messages lists one connection's frames in timestamp order.
func (s *Service) Messages(ctx context.Context, connectionID string, limit, offset int) ([]*capture.WebSocketMessage, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrInvalidArgument)
	}
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidArgument)
	}
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return s.store.ListWebSocketMessages(ctx, connectionID, limit, offset)
}

// SearchParams drive full-text search.
type SearchParams struct {
	Query         string   `json:"query"`
	Fields        []string `json:"fields,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
	Regex         bool     `json:"regex,omitempty"`
}

// Search validates and delegates to the store's FTS/LIKE machinery.
func (s *Service) Search(ctx context.Context, p SearchParams) (store.SearchResult, error) {
	if p.Query == "" {
		return store.SearchResult{}, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	for _, f := range p.Fields {
		if _, ok := validFields[f]; !ok {
			return store.SearchResult{}, fmt.Errorf("%w: unknown search field %q", ErrInvalidArgument, f)
		}
	}
	if p.Regex {
		if _, err := regexp.Compile(p.Query); err != nil {
			return store.SearchResult{}, fmt.Errorf("%w: bad regex: %v", ErrInvalidArgument, err)
		}
	}
	return s.store.Search(ctx, store.SearchOptions{
		Query:         p.Query,
		Fields:        p.Fields,
		CaseSensitive: p.CaseSensitive,
		Regex:         p.Regex,
	})
}

// Stats aggregates traffic over an optional window.
func (s *Service) Stats(ctx context.Context, startMS, endMS int64) (*store.TrafficStats, error) {
	if startMS < 0 || endMS < 0 {
		return nil, fmt.Errorf("%w: timestamps must be non-negative", ErrInvalidArgument)
	}
	if startMS != 0 && endMS != 0 && startMS > endMS {
		return nil, fmt.Errorf("%w: start time after end time", ErrInvalidArgument)
	}
	return s.store.Stats(ctx, startMS, endMS)
}
