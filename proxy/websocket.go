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

package proxy

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/proxycap/proxycap/capture"
)

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// handshakeHeaders are minted fresh by the dialer and upgrader; the
// client's copies must not be forwarded.
var handshakeHeaders = map[string]struct{}{
	"Upgrade":                  {},
	"Connection":               {},
	"Sec-Websocket-Key":        {},
	"Sec-Websocket-Version":    {},
	"Sec-Websocket-Extensions": {},
	"Sec-Websocket-Protocol":   {},
}

// handleWebSocket proxies an upgrade: dial upstream, complete the
// client handshake, then relay frames in both directions with capture.
func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request, scheme string) {
	if !e.cfg.Proxy.EnableWebSockets {
		// Upgrades degrade to a plain exchange; upstream will refuse it.
		e.proxyExchange(w, r, httpSchemeFor(scheme))
		return
	}

	e.inflight.Add(1)
	defer e.inflight.Done()
	e.activeConns.Add(1)
	e.metrics.ActiveConnections.Inc()
	defer func() {
		e.activeConns.Add(-1)
		e.metrics.ActiveConnections.Dec()
	}()

	now := time.Now()
	connID := uuid.NewString()
	host := hostOnly(r.Host)
	_, port := hostPort(r.Host, defaultPortFor(scheme))

	record := &capture.WebSocketConnection{
		ID:          connID,
		TimestampMS: now.UnixMilli(),
		URL:         scheme + "://" + r.Host + r.URL.RequestURI(),
		Host:        host,
		Scheme:      scheme,
		Headers:     capture.FromHTTPHeader(r.Header),
		ClientAddr:  r.RemoteAddr,
	}

	resolveCtx, resolveCancel := context.WithTimeout(r.Context(), 5*time.Second)
	if addr, err := e.dns.Resolve(resolveCtx, host); err != nil {
		record.Destination = unknownDestination
	} else {
		record.Destination = addr + ":" + port
	}
	resolveCancel()

	upstreamHeader := http.Header{}
	for name, values := range r.Header {
		if _, skip := handshakeHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		upstreamHeader[name] = values
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: e.cfg.Proxy.IgnoreHostHTTPSErrors,
		},
		Subprotocols: websocket.Subprotocols(r),
	}
	upstreamURL := scheme + "://" + r.Host + r.URL.RequestURI()
	upConn, upResp, err := dialer.Dial(upstreamURL, upstreamHeader)
	if err != nil {
		e.metrics.UpstreamErrors.Inc()
		e.logger.Warn("upstream websocket dial failed",
			zap.String("url", upstreamURL), zap.Error(err))
		status := http.StatusBadGateway
		if upResp != nil && upResp.StatusCode != 0 {
			status = upResp.StatusCode
		}
		http.Error(w, "Bad Gateway", status)
		return
	}
	defer upConn.Close()
	if upResp != nil {
		record.Response = &capture.WebSocketUpgradeResponse{
			StatusCode: upResp.StatusCode,
			Headers:    capture.FromHTTPHeader(upResp.Header),
		}
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: 15 * time.Second,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	if sp := upConn.Subprotocol(); sp != "" {
		upgrader.Subprotocols = []string{sp}
	}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("client upgrade failed", zap.String("url", upstreamURL), zap.Error(err))
		return
	}
	defer clientConn.Close()

	record.Lifecycle.EstablishedMS = time.Now().UnixMilli()
	if err := e.recorder.InsertWebSocketConnection(e.baseCtx, record); err != nil {
		e.logger.Error("failed to record websocket connection",
			zap.String("id", connID), zap.Error(err))
	}
	e.totalWebSockets.Add(1)
	e.metrics.WebSocketsTotal.Inc()
	e.logger.Debug("websocket tunnel established",
		zap.String("id", connID), zap.String("url", upstreamURL))

	var closeOnce sync.Once
	recordClose := func(code int, reason string) {
		closeOnce.Do(func() {
			if _, err := e.recorder.UpdateWebSocketClose(e.baseCtx, connID,
				time.Now().UnixMilli(), code, reason); err != nil {
				e.logger.Error("failed to record websocket close",
					zap.String("id", connID), zap.Error(err))
			}
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.relayFrames(clientConn, upConn, connID, capture.DirectionOutbound, recordClose)
		upConn.Close()
	}()
	go func() {
		defer wg.Done()
		e.relayFrames(upConn, clientConn, connID, capture.DirectionInbound, recordClose)
		clientConn.Close()
	}()
	wg.Wait()
	recordClose(websocket.CloseAbnormalClosure, "connection dropped")
}

// relayFrames pumps one direction until the source closes, capturing
// each data frame as a typed event.
func (e *Engine) relayFrames(src, dst *websocket.Conn, connID, direction string, recordClose func(int, string)) {
	src.SetPingHandler(func(appData string) error {
		e.recordFrame(connID, direction, capture.MessagePing, []byte(appData), false)
		return dst.WriteControl(websocket.PingMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	src.SetPongHandler(func(appData string) error {
		e.recordFrame(connID, direction, capture.MessagePong, []byte(appData), false)
		return dst.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
				e.recordFrame(connID, direction, capture.MessageClose, []byte(ce.Text), false)
				dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text),
					time.Now().Add(5*time.Second))
			}
			recordClose(code, reason)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			e.recordFrame(connID, direction, capture.MessageText, data, false)
		case websocket.BinaryMessage:
			e.recordFrame(connID, direction, capture.MessageBinary, data, true)
		}
		e.metrics.WebSocketMessages.WithLabelValues(direction).Inc()

		if err := dst.WriteMessage(msgType, data); err != nil {
			recordClose(websocket.CloseAbnormalClosure, err.Error())
			return
		}
	}
}

// recordFrame stores one frame event. Text frames are stored verbatim;
// binary frames run through the body pipeline.
func (e *Engine) recordFrame(connID, direction, msgType string, data []byte, binary bool) {
	if !e.cfg.Capture.CaptureWebSocketMessages {
		return
	}

	var payload capture.BodyPayload
	if binary {
		body, err := e.pipeline.Process(data, "application/octet-stream", "")
		if err != nil {
			e.logger.Debug("websocket frame kept raw", zap.Error(err))
		}
		payload = body.Payload
	} else {
		payload = capture.TextPayload(string(data))
	}

	msg := &capture.WebSocketMessage{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		TimestampMS:  time.Now().UnixMilli(),
		Direction:    direction,
		Type:         msgType,
		Payload:      payload,
		FrameSize:    int64(len(data)),
	}
	if err := e.recorder.AppendWebSocketMessage(e.baseCtx, msg); err != nil {
		e.logger.Error("failed to record websocket message",
			zap.String("connectionId", connID), zap.Error(err))
	}
}

func httpSchemeFor(wsScheme string) string {
	if wsScheme == capture.SchemeWSS {
		return capture.SchemeHTTPS
	}
	return capture.SchemeHTTP
}
