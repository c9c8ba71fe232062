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

// Package capture defines the records the proxy persists - HTTP
// transactions, WebSocket connections and their messages - plus the body
// pipeline that normalizes every captured payload into a BodyPayload.
package capture

import (
	"encoding/json"
	"net/http"
	"sort"
)

// HeaderField is one name/value pair. Order and duplicates are preserved
// so captures round-trip the wire exactly.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderList is the ordered form of a header block. A map view is derived
// on demand; for duplicate names the last value wins in the map, the list
// keeps them all.
type HeaderList []HeaderField

// FromHTTPHeader flattens an http.Header into an ordered HeaderList.
// http.Header is unordered, so fields are emitted in sorted-name order to
// keep captures deterministic; duplicate values keep their slice order.
func FromHTTPHeader(h http.Header) HeaderList {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var out HeaderList
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, HeaderField{Name: name, Value: v})
		}
	}
	return out
}

// Map returns the map view of the header block.
func (hl HeaderList) Map() map[string]string {
	m := make(map[string]string, len(hl))
	for _, f := range hl {
		m[f.Name] = f.Value
	}
	return m
}

// Get returns the first value for name, or "".
func (hl HeaderList) Get(name string) string {
	for _, f := range hl {
		if http.CanonicalHeaderKey(f.Name) == http.CanonicalHeaderKey(name) {
			return f.Value
		}
	}
	return ""
}

// MarshalJSONText encodes the list form for storage. Errors cannot occur
// for this shape; the empty list encodes as "[]".
func (hl HeaderList) MarshalJSONText() string {
	b, _ := json.Marshal(hl)
	return string(b)
}

// ParseHeaderJSON decodes a stored header block back into list form.
func ParseHeaderJSON(raw string) HeaderList {
	if raw == "" {
		return nil
	}
	var hl HeaderList
	if err := json.Unmarshal([]byte(raw), &hl); err != nil {
		return nil
	}
	return hl
}

// Scheme literals for captured traffic.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeWS    = "ws"
	SchemeWSS   = "wss"
)

// HTTPResponse is the response sub-record of a transaction. It is written
// exactly once, when the paired upstream response is observed.
type HTTPResponse struct {
	StatusCode     int         `json:"statusCode"`
	StatusMessage  string      `json:"statusMessage"`
	Headers        HeaderList  `json:"headers"`
	Body           BodyPayload `json:"body"`
	BodySize       int64       `json:"bodySize"` // after decompression
	ResponseTimeMS int64       `json:"responseTime"`
}

// HTTPTransaction is one captured request/response pair. The ID is stable
// for the process lifetime; Response and Error are mutually exclusive on a
// completed transaction.
type HTTPTransaction struct {
	ID          string        `json:"id"`
	TimestampMS int64         `json:"timestamp"`
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	Host        string        `json:"host"` // hostname without port
	Path        string        `json:"path"`
	Query       string        `json:"query"`
	Scheme      string        `json:"scheme"` // http or https
	Headers     HeaderList    `json:"headers"`
	Body        BodyPayload   `json:"body"`
	BodySize    int64         `json:"bodySize"`
	ContentType string        `json:"contentType"`
	UserAgent   string        `json:"userAgent"`
	ClientAddr  string        `json:"clientAddr"`
	Destination string        `json:"destination"` // resolved upstream address
	Error       string        `json:"error,omitempty"`
	Response    *HTTPResponse `json:"response,omitempty"`
}

// WebSocketLifecycle tracks a connection from establishment to close.
type WebSocketLifecycle struct {
	EstablishedMS int64  `json:"establishedAt"`
	ClosedMS      int64  `json:"closedAt,omitempty"`
	CloseCode     int    `json:"closeCode,omitempty"`
	CloseReason   string `json:"closeReason,omitempty"`
}

// WebSocketUpgradeResponse records the 101 exchange.
type WebSocketUpgradeResponse struct {
	StatusCode int        `json:"statusCode"`
	Headers    HeaderList `json:"headers"`
}

// WebSocketConnection is one captured upgrade plus its lifecycle.
type WebSocketConnection struct {
	ID          string                    `json:"id"`
	TimestampMS int64                     `json:"timestamp"`
	URL         string                    `json:"url"`
	Host        string                    `json:"host"`
	Scheme      string                    `json:"scheme"` // ws or wss
	Headers     HeaderList                `json:"headers"`
	Response    *WebSocketUpgradeResponse `json:"response,omitempty"`
	Lifecycle   WebSocketLifecycle        `json:"lifecycle"`
	ClientAddr  string                    `json:"clientAddr"`
	Destination string                    `json:"destination"`
}

// Message direction relative to the proxy client.
const (
	DirectionOutbound = "outbound" // client -> upstream
	DirectionInbound  = "inbound"  // upstream -> client
)

// WebSocket message types.
const (
	MessageText   = "text"
	MessageBinary = "binary"
	MessagePing   = "ping"
	MessagePong   = "pong"
	MessageClose  = "close"
)

// WebSocketMessage is one captured frame. Messages are append-only and
// totally ordered by timestamp within their connection.
type WebSocketMessage struct {
	ID           string      `json:"id"`
	ConnectionID string      `json:"connectionId"`
	TimestampMS  int64       `json:"timestamp"`
	Direction    string      `json:"direction"`
	Type         string      `json:"type"`
	Payload      BodyPayload `json:"payload"`
	FrameSize    int64       `json:"frameSize"` // original frame payload bytes
}
