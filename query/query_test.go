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

package query

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxycap/proxycap/capture"
	"github.com/proxycap/proxycap/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{
		Path:      filepath.Join(t.TempDir(), "traffic.db"),
		EnableFTS: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil), st
}

func seedMixed(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tx := &capture.HTTPTransaction{
			ID:          fmt.Sprintf("h-%d", i),
			TimestampMS: int64(100 + i*100), // 100, 200, 300
			Method:      "GET",
			URL:         "http://example.com/a",
			Host:        "example.com",
			Path:        "/a",
			Scheme:      capture.SchemeHTTP,
		}
		require.NoError(t, st.InsertHTTPTransaction(ctx, tx))
	}
	for i := 0; i < 2; i++ {
		conn := &capture.WebSocketConnection{
			ID:          fmt.Sprintf("w-%d", i),
			TimestampMS: int64(150 + i*100), // 150, 250
			URL:         "ws://example.com/s",
			Host:        "example.com",
			Scheme:      capture.SchemeWS,
			Lifecycle:   capture.WebSocketLifecycle{EstablishedMS: int64(150 + i*100)},
		}
		require.NoError(t, st.InsertWebSocketConnection(ctx, conn))
	}
}

func TestListValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	cases := []ListParams{
		{Limit: -1},
		{Offset: -5},
		{Scheme: "gopher"},
		{SortBy: "nope"},
		{Order: "sideways"},
		{ConnectionStatus: "half-open"},
		{StatusCode: 42},
		{StartMS: 500, EndMS: 100},
	}
	for i, p := range cases {
		_, err := s.List(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidArgument, "case %d", i)
	}
}

func TestListMergesBothProtocolsByTimestamp(t *testing.T) {
	s, st := newService(t)
	seedMixed(t, st)

	entries, err := s.List(context.Background(), ListParams{Order: "asc"})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	wantKinds := []string{KindHTTP, KindWebSocket, KindHTTP, KindWebSocket, KindHTTP}
	var prev int64
	for i, e := range entries {
		assert.Equal(t, wantKinds[i], e.Kind, "position %d", i)
		assert.GreaterOrEqual(t, e.timestamp(), prev)
		prev = e.timestamp()
	}
}

func TestListMixedPaginationIsStable(t *testing.T) {
	s, st := newService(t)
	seedMixed(t, st)
	ctx := context.Background()

	full, err := s.List(ctx, ListParams{Order: "asc"})
	require.NoError(t, err)

	var paged []Entry
	for offset := 0; offset < len(full); offset += 2 {
		page, err := s.List(ctx, ListParams{Order: "asc", Limit: 2, Offset: offset})
		require.NoError(t, err)
		paged = append(paged, page...)
	}
	require.Len(t, paged, len(full))
	for i := range full {
		assert.Equal(t, full[i].Kind, paged[i].Kind, "row %d", i)
		assert.Equal(t, full[i].timestamp(), paged[i].timestamp(), "row %d", i)
	}
}

func TestListSchemeSelectsOneTable(t *testing.T) {
	s, st := newService(t)
	seedMixed(t, st)
	ctx := context.Background()

	entries, err := s.List(ctx, ListParams{Scheme: capture.SchemeHTTP})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, KindHTTP, e.Kind)
	}

	entries, err = s.List(ctx, ListParams{Scheme: capture.SchemeWS})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, KindWebSocket, e.Kind)
	}
}

func TestLimitDefaultsAndClamp(t *testing.T) {
	p := ListParams{}
	require.NoError(t, p.validate())
	assert.Equal(t, defaultLimit, p.Limit)

	p = ListParams{Limit: 5000}
	require.NoError(t, p.validate())
	assert.Equal(t, maxLimit, p.Limit)
}

func TestGetPrefersHTTPThenWebSocket(t *testing.T) {
	s, st := newService(t)
	seedMixed(t, st)
	ctx := context.Background()

	require.NoError(t, st.AppendWebSocketMessage(ctx, &capture.WebSocketMessage{
		ID: "m-0", ConnectionID: "w-0", TimestampMS: 160,
		Direction: capture.DirectionInbound, Type: capture.MessageText,
		Payload: capture.TextPayload("hi"),
	}))

	d, err := s.Get(ctx, "h-1")
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, d.Kind)
	require.NotNil(t, d.HTTP)

	d, err = s.Get(ctx, "w-0")
	require.NoError(t, err)
	assert.Equal(t, KindWebSocket, d.Kind)
	require.NotNil(t, d.WebSocket)
	require.Len(t, d.Messages, 1)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSearchValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Search(ctx, SearchParams{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Search(ctx, SearchParams{Query: "x", Fields: []string{"cookies"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Search(ctx, SearchParams{Query: "[unclosed", Regex: true})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSearchDelegates(t *testing.T) {
	s, st := newService(t)
	seedMixed(t, st)

	res, err := s.Search(context.Background(), SearchParams{Query: "example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.HTTP)
	assert.NotEmpty(t, res.WebSocket)
}

func TestStatsValidation(t *testing.T) {
	s, st := newService(t)
	seedMixed(t, st)
	ctx := context.Background()

	_, err := s.Stats(ctx, 500, 100)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	stats, err := s.Stats(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalTransactions)
	assert.Equal(t, int64(2), stats.TotalConnections)
}
