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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxycap/proxycap/capture"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{
		Path:      filepath.Join(t.TempDir(), "traffic.db"),
		EnableFTS: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTransaction(id string, ts int64) *capture.HTTPTransaction {
	return &capture.HTTPTransaction{
		ID:          id,
		TimestampMS: ts,
		Method:      "GET",
		URL:         "http://example.com/ping",
		Host:        "example.com",
		Path:        "/ping",
		Scheme:      capture.SchemeHTTP,
		Headers:     capture.HeaderList{{Name: "Accept", Value: "*/*"}},
		ContentType: "text/plain",
		ClientAddr:  "127.0.0.1:50000",
		Destination: "93.184.216.34:80",
	}
}

func sampleResponse(body string, rt int64) *capture.HTTPResponse {
	return &capture.HTTPResponse{
		StatusCode:     200,
		StatusMessage:  "OK",
		Headers:        capture.HeaderList{{Name: "Content-Type", Value: "text/plain"}},
		Body:           capture.TextPayload(body),
		BodySize:       int64(len(body)),
		ResponseTimeMS: rt,
	}
}

func TestRequestResponsePairing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := sampleTransaction("tx-1", 1000)
	require.NoError(t, s.InsertHTTPTransaction(ctx, tx))

	got, err := s.GetHTTPTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, got.Response, "response must be null until the update")

	updated, err := s.UpdateHTTPResponse(ctx, "tx-1", sampleResponse("pong", 12))
	require.NoError(t, err)
	require.True(t, updated)

	got, err = s.GetHTTPTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, got.Response)
	assert.Equal(t, 200, got.Response.StatusCode)
	assert.Equal(t, capture.TextPayload("pong"), got.Response.Body)
	assert.Equal(t, int64(12), got.Response.ResponseTimeMS)
	assert.Equal(t, "Accept", got.Headers[0].Name)
}

func TestRequestBodyBackfill(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction("tx-b", 1000)))

	updated, err := s.UpdateHTTPRequestBody(ctx, "tx-b", capture.TextPayload(`{"op":"create"}`), 15)
	require.NoError(t, err)
	require.True(t, updated)

	got, err := s.GetHTTPTransaction(ctx, "tx-b")
	require.NoError(t, err)
	assert.Equal(t, capture.TextPayload(`{"op":"create"}`), got.Body)
	assert.Equal(t, int64(15), got.BodySize)

	updated, err = s.UpdateHTTPRequestBody(ctx, "gone", capture.TextPayload("x"), 1)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestUpdateResponseOnEvictedRowIsNoop(t *testing.T) {
	s := openTestStore(t)
	updated, err := s.UpdateHTTPResponse(context.Background(), "never-existed", sampleResponse("x", 1))
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestGetUnknownIDIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetHTTPTransaction(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetWebSocketConnection(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListWebSocketMessages(context.Background(), "nope", 0, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func sampleConnection(id string, ts int64) *capture.WebSocketConnection {
	return &capture.WebSocketConnection{
		ID:          id,
		TimestampMS: ts,
		URL:         "ws://example.com/echo",
		Host:        "example.com",
		Scheme:      capture.SchemeWS,
		Headers:     capture.HeaderList{{Name: "Upgrade", Value: "websocket"}},
		Response:    &capture.WebSocketUpgradeResponse{StatusCode: 101},
		Lifecycle:   capture.WebSocketLifecycle{EstablishedMS: ts},
		ClientAddr:  "127.0.0.1:50001",
	}
}

func TestWebSocketLifecycleAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn := sampleConnection("ws-1", 2000)
	require.NoError(t, s.InsertWebSocketConnection(ctx, conn))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendWebSocketMessage(ctx, &capture.WebSocketMessage{
			ID:           fmt.Sprintf("m-%d", i),
			ConnectionID: "ws-1",
			TimestampMS:  2000 + int64(i)*10,
			Direction:    capture.DirectionOutbound,
			Type:         capture.MessageText,
			Payload:      capture.TextPayload(fmt.Sprintf("msg %d", i)),
			FrameSize:    5,
		}))
	}

	updated, err := s.UpdateWebSocketClose(ctx, "ws-1", 2100, 1000, "normal")
	require.NoError(t, err)
	require.True(t, updated)

	got, err := s.GetWebSocketConnection(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2100), got.Lifecycle.ClosedMS)
	assert.Equal(t, 1000, got.Lifecycle.CloseCode)
	assert.GreaterOrEqual(t, got.Lifecycle.ClosedMS, got.Lifecycle.EstablishedMS)

	msgs, err := s.ListWebSocketMessages(ctx, "ws-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].TimestampMS, msgs[i].TimestampMS)
		assert.GreaterOrEqual(t, msgs[i].TimestampMS, got.Lifecycle.EstablishedMS)
		assert.LessOrEqual(t, msgs[i].TimestampMS, got.Lifecycle.ClosedMS)
	}
}

func TestMessageRequiresParentConnection(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendWebSocketMessage(context.Background(), &capture.WebSocketMessage{
		ID:           "orphan",
		ConnectionID: "missing-conn",
		TimestampMS:  1,
		Direction:    capture.DirectionInbound,
		Type:         capture.MessageText,
	})
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDuplicateIDIsIntegrityViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction("dup", 1)))
	err := s.InsertHTTPTransaction(ctx, sampleTransaction("dup", 2))
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction("old", 100)))
	require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction("new", 5000)))
	require.NoError(t, s.InsertWebSocketConnection(ctx, sampleConnection("ws-old", 100)))
	require.NoError(t, s.AppendWebSocketMessage(ctx, &capture.WebSocketMessage{
		ID: "m", ConnectionID: "ws-old", TimestampMS: 150,
		Direction: capture.DirectionInbound, Type: capture.MessageText,
	}))

	counts, err := s.DeleteBefore(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Transactions)
	assert.Equal(t, int64(1), counts.Connections)
	assert.Equal(t, int64(1), counts.Messages)

	_, err = s.GetHTTPTransaction(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetHTTPTransaction(ctx, "new")
	require.NoError(t, err)
}

func TestDeleteRangeIsRanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300, 400} {
		require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction(fmt.Sprintf("r-%d", i), ts)))
	}

	counts, err := s.DeleteRange(ctx, 150, 350)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Transactions)

	// Rows outside the range survive on both sides.
	_, err = s.GetHTTPTransaction(ctx, "r-0")
	require.NoError(t, err)
	_, err = s.GetHTTPTransaction(ctx, "r-3")
	require.NoError(t, err)
}

func TestVacuum(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction("v", 1)))
	_, err := s.ClearAll(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Vacuum(ctx))
}

func TestProtocolFilterSoundness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tx := sampleTransaction(fmt.Sprintf("h-%d", i), int64(1000+i))
		if i%2 == 1 {
			tx.Scheme = capture.SchemeHTTPS
		}
		require.NoError(t, s.InsertHTTPTransaction(ctx, tx))
	}

	got, err := s.QueryHTTP(ctx, ListFilter{Scheme: capture.SchemeHTTPS})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, tx := range got {
		assert.Equal(t, capture.SchemeHTTPS, tx.Scheme)
	}
}

func TestPaginationIsAPermutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const total, k = 23, 5
	for i := 0; i < total; i++ {
		require.NoError(t, s.InsertHTTPTransaction(ctx, sampleTransaction(fmt.Sprintf("p-%02d", i), int64(i%7))))
	}

	full, err := s.QueryHTTP(ctx, ListFilter{SortBy: "timestamp", Order: "asc"})
	require.NoError(t, err)
	require.Len(t, full, total)

	var paged []*capture.HTTPTransaction
	for offset := 0; ; offset += k {
		page, err := s.QueryHTTP(ctx, ListFilter{SortBy: "timestamp", Order: "asc", Limit: k, Offset: offset})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
	}

	require.Len(t, paged, total)
	for i := range full {
		assert.Equal(t, full[i].ID, paged[i].ID, "row %d", i)
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleTransaction("f-a", 100)
	a.Host = "api.example.com"
	a.Path = "/v1/users"
	require.NoError(t, s.InsertHTTPTransaction(ctx, a))
	_, err := s.UpdateHTTPResponse(ctx, "f-a", sampleResponse("ok", 50))
	require.NoError(t, err)

	b := sampleTransaction("f-b", 200)
	b.Method = "POST"
	b.Host = "other.net"
	require.NoError(t, s.InsertHTTPTransaction(ctx, b))

	got, err := s.QueryHTTP(ctx, ListFilter{Host: "example"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-a", got[0].ID)

	got, err = s.QueryHTTP(ctx, ListFilter{Method: "post"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-b", got[0].ID)

	got, err = s.QueryHTTP(ctx, ListFilter{StatusCode: 200})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.QueryHTTP(ctx, ListFilter{MinResponseTimeMS: 10, MaxResponseTimeMS: 100})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.QueryHTTP(ctx, ListFilter{StartMS: 150, EndMS: 250})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-b", got[0].ID)
}

func TestConnectionStatusFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertWebSocketConnection(ctx, sampleConnection("open", 1)))
	require.NoError(t, s.InsertWebSocketConnection(ctx, sampleConnection("shut", 2)))
	_, err := s.UpdateWebSocketClose(ctx, "shut", 50, 1000, "")
	require.NoError(t, err)

	got, err := s.QueryWebSocket(ctx, ListFilter{ConnectionStatus: "active"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].ID)

	got, err = s.QueryWebSocket(ctx, ListFilter{ConnectionStatus: "closed"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shut", got[0].ID)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok := sampleTransaction("s-ok", 100)
	require.NoError(t, s.InsertHTTPTransaction(ctx, ok))
	_, err := s.UpdateHTTPResponse(ctx, "s-ok", sampleResponse("fine", 10))
	require.NoError(t, err)

	bad := sampleTransaction("s-bad", 200)
	bad.Method = "POST"
	require.NoError(t, s.InsertHTTPTransaction(ctx, bad))
	resp := sampleResponse("boom", 30)
	resp.StatusCode = 500
	resp.StatusMessage = "Internal Server Error"
	_, err = s.UpdateHTTPResponse(ctx, "s-bad", resp)
	require.NoError(t, err)

	require.NoError(t, s.InsertWebSocketConnection(ctx, sampleConnection("s-ws", 150)))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendWebSocketMessage(ctx, &capture.WebSocketMessage{
			ID: fmt.Sprintf("sm-%d", i), ConnectionID: "s-ws", TimestampMS: 150 + int64(i),
			Direction: capture.DirectionInbound, Type: capture.MessageText,
		}))
	}

	stats, err := s.Stats(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTransactions)
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int64(4), stats.TotalMessages)
	assert.Equal(t, int64(1), stats.MethodCounts["GET"])
	assert.Equal(t, int64(1), stats.MethodCounts["POST"])
	assert.Equal(t, int64(1), stats.StatusCounts[200])
	assert.Equal(t, int64(1), stats.StatusCounts[500])
	assert.InDelta(t, 20.0, stats.AvgResponseTimeMS, 0.001)
	assert.InDelta(t, 50.0, stats.ErrorRate, 0.001)
	assert.Equal(t, int64(1), stats.ProtocolCounts["ws"])
	assert.Equal(t, int64(1), stats.ActiveWS)
	assert.InDelta(t, 4.0, stats.AvgMessagesPerConnection, 0.001)
	assert.Equal(t, int64(100), stats.EarliestMS)
	assert.Equal(t, int64(200), stats.LatestMS)
}

// Pins the historical windowed-average semantics: messages inside the
// window count even when their connection's own timestamp is outside it.
func TestStatsWindowedAverageKeepsLegacySemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Connection before the window, all messages inside it.
	outside := sampleConnection("w-out", 50)
	require.NoError(t, s.InsertWebSocketConnection(ctx, outside))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendWebSocketMessage(ctx, &capture.WebSocketMessage{
			ID: fmt.Sprintf("wm-%d", i), ConnectionID: "w-out", TimestampMS: 1000 + int64(i),
			Direction: capture.DirectionInbound, Type: capture.MessageText,
		}))
	}
	// Connection inside the window with no messages.
	require.NoError(t, s.InsertWebSocketConnection(ctx, sampleConnection("w-in", 1500)))

	stats, err := s.Stats(ctx, 900, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalConnections, "w-out is outside the window")
	assert.Equal(t, int64(3), stats.TotalMessages, "messages counted by their own timestamps")
	assert.InDelta(t, 3.0, stats.AvgMessagesPerConnection, 0.001)
}
