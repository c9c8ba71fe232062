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

// Package api exposes the proxy's tool operations over HTTP: a uniform
// set of named operations with typed arguments and a
// success/message/data result envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proxycap/proxycap/health"
	"github.com/proxycap/proxycap/proxy"
	"github.com/proxycap/proxycap/query"
	"github.com/proxycap/proxycap/store"
)

// Result is the uniform tool envelope.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

func fail(message string) Result {
	return Result{Success: false, Message: message, Data: nil}
}

// Tools dispatches the named operations against the engine, supervisor,
// store and query facade.
type Tools struct {
	engine        *proxy.Engine
	health        *health.Supervisor
	store         *store.Store
	query         *query.Service
	logger        *zap.Logger
	retentionDays int
}

// NewTools wires the operation surface. retentionDays is the fallback
// window for cleanup_old_logs when the call omits one.
func NewTools(engine *proxy.Engine, sup *health.Supervisor, st *store.Store, qs *query.Service, retentionDays int, logger *zap.Logger) *Tools {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tools{
		engine: engine, health: sup, store: st, query: qs,
		retentionDays: retentionDays, logger: logger,
	}
}

// Names lists every operation, for discovery and router setup.
func Names() []string {
	return []string{
		"start_proxy", "stop_proxy", "restart_proxy",
		"get_proxy_status", "get_health_status", "get_ca_certificate",
		"query_traffic", "get_request_details", "search_traffic",
		"get_websocket_messages", "get_traffic_stats",
		"clear_all_logs", "clear_logs_by_timerange",
		"cleanup_old_logs", "vacuum_database",
	}
}

// ErrUnknownTool reports a dispatch miss.
var ErrUnknownTool = errors.New("unknown tool")

// Call runs one operation. Argument decoding errors and invalid inputs
// come back as unsuccessful results, not transport errors; only an
// unknown name is an error.
func (t *Tools) Call(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	switch name {
	case "start_proxy":
		return t.startProxy(ctx), nil
	case "stop_proxy":
		return t.stopProxy(ctx), nil
	case "restart_proxy":
		return t.restartProxy(ctx), nil
	case "get_proxy_status":
		return ok("proxy status", t.engine.Status()), nil
	case "get_health_status":
		return ok("health status", t.health.Report()), nil
	case "get_ca_certificate":
		return t.caCertificate(), nil
	case "query_traffic":
		return t.queryTraffic(ctx, args), nil
	case "get_request_details":
		return t.requestDetails(ctx, args), nil
	case "search_traffic":
		return t.searchTraffic(ctx, args), nil
	case "get_websocket_messages":
		return t.webSocketMessages(ctx, args), nil
	case "get_traffic_stats":
		return t.trafficStats(ctx, args), nil
	case "clear_all_logs":
		return t.clearAllLogs(ctx, args), nil
	case "clear_logs_by_timerange":
		return t.clearLogsByTimerange(ctx, args), nil
	case "cleanup_old_logs":
		return t.cleanupOldLogs(ctx, args), nil
	case "vacuum_database":
		return t.vacuumDatabase(ctx), nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("bad arguments: %w", err)
	}
	return v, nil
}

func (t *Tools) startProxy(ctx context.Context) Result {
	if err := t.engine.Start(ctx); err != nil {
		if errors.Is(err, proxy.ErrAlreadyRunning) {
			return fail("proxy is already running")
		}
		return fail("failed to start proxy: " + err.Error())
	}
	return ok("proxy started", t.engine.Status())
}

func (t *Tools) stopProxy(ctx context.Context) Result {
	if err := t.engine.Stop(ctx); err != nil {
		if errors.Is(err, proxy.ErrNotRunning) {
			return fail("proxy is not running")
		}
		return fail("failed to stop proxy: " + err.Error())
	}
	return ok("proxy stopped", t.engine.Status())
}

func (t *Tools) restartProxy(ctx context.Context) Result {
	if err := t.engine.Restart(ctx); err != nil {
		return fail("failed to restart proxy: " + err.Error())
	}
	return ok("proxy restarted", t.engine.Status())
}

func (t *Tools) caCertificate() Result {
	pem := t.engine.CACertificatePEM()
	if len(pem) == 0 {
		return fail("HTTPS interception is disabled; no CA certificate available")
	}
	return ok("CA certificate", map[string]string{"pem": string(pem)})
}

func (t *Tools) queryTraffic(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[query.ListParams](args)
	if err != nil {
		return fail(err.Error())
	}
	entries, err := t.query.List(ctx, params)
	if err != nil {
		return toolError(err)
	}
	return ok(fmt.Sprintf("%d entries", len(entries)), map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

type idArgs struct {
	ID string `json:"id"`
}

func (t *Tools) requestDetails(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[idArgs](args)
	if err != nil {
		return fail(err.Error())
	}
	details, err := t.query.Get(ctx, params.ID)
	if err != nil {
		return toolError(err)
	}
	return ok("request details", details)
}

func (t *Tools) searchTraffic(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[query.SearchParams](args)
	if err != nil {
		return fail(err.Error())
	}
	res, err := t.query.Search(ctx, params)
	if err != nil {
		return toolError(err)
	}
	return ok(fmt.Sprintf("%d HTTP, %d WebSocket matches", len(res.HTTP), len(res.WebSocket)), res)
}

type messagesArgs struct {
	ConnectionID string `json:"connectionId"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

func (t *Tools) webSocketMessages(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[messagesArgs](args)
	if err != nil {
		return fail(err.Error())
	}
	msgs, err := t.query.Messages(ctx, params.ConnectionID, params.Limit, params.Offset)
	if err != nil {
		return toolError(err)
	}
	return ok(fmt.Sprintf("%d messages", len(msgs)), map[string]any{
		"connectionId": params.ConnectionID,
		"messages":     msgs,
		"count":        len(msgs),
	})
}

type windowArgs struct {
	StartTime int64 `json:"startTime,omitempty"`
	EndTime   int64 `json:"endTime,omitempty"`
}

func (t *Tools) trafficStats(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[windowArgs](args)
	if err != nil {
		return fail(err.Error())
	}
	stats, err := t.query.Stats(ctx, params.StartTime, params.EndTime)
	if err != nil {
		return toolError(err)
	}
	return ok("traffic statistics", stats)
}

type confirmArgs struct {
	Confirm bool `json:"confirm"`
}

func (t *Tools) clearAllLogs(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[confirmArgs](args)
	if err != nil {
		return fail(err.Error())
	}
	if !params.Confirm {
		return fail("refusing to clear all logs without confirm: true")
	}
	counts, err := t.store.ClearAll(ctx)
	if err != nil {
		return toolError(err)
	}
	t.logger.Info("cleared all captured traffic",
		zap.Int64("transactions", counts.Transactions),
		zap.Int64("connections", counts.Connections))
	return ok("all logs cleared", counts)
}

type timerangeArgs struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

func (t *Tools) clearLogsByTimerange(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[timerangeArgs](args)
	if err != nil {
		return fail(err.Error())
	}
	if params.EndTime == 0 {
		return fail("endTime is required")
	}
	if params.StartTime > params.EndTime {
		return fail("startTime is after endTime")
	}
	counts, err := t.store.DeleteRange(ctx, params.StartTime, params.EndTime)
	if err != nil {
		return toolError(err)
	}
	return ok("logs cleared in range", counts)
}

type cleanupArgs struct {
	// Days overrides the configured retention window.
	Days int `json:"days,omitempty"`
}

func (t *Tools) cleanupOldLogs(ctx context.Context, args json.RawMessage) Result {
	params, err := decode[cleanupArgs](args)
	if err != nil {
		return fail(err.Error())
	}
	days := params.Days
	if days <= 0 {
		days = t.retentionDays
	}
	if days <= 0 {
		return fail("retention days must be positive")
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	counts, err := t.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return toolError(err)
	}
	return ok(fmt.Sprintf("removed rows older than %d days", days), counts)
}

func (t *Tools) vacuumDatabase(ctx context.Context) Result {
	if err := t.store.Vacuum(ctx); err != nil {
		return toolError(err)
	}
	return ok("database vacuumed", nil)
}

// toolError maps the error kinds onto envelope failures.
func toolError(err error) Result {
	switch {
	case errors.Is(err, query.ErrInvalidArgument):
		return fail(err.Error())
	case errors.Is(err, store.ErrNotFound):
		return fail("not found")
	case errors.Is(err, store.ErrStorageUnavailable):
		return fail("storage unavailable: " + err.Error())
	}
	return fail(err.Error())
}
