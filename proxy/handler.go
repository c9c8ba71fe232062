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
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proxycap/proxycap/capture"
)

// legState tracks one proxied exchange through its lifecycle. The
// transport performs connect, request write and response wait inside a
// single RoundTrip, so those phases are folded into request_streaming.
type legState int

const (
	stateAccepted legState = iota
	stateHeadersParsed
	stateRequestStreaming
	stateResponseStreaming
	stateDone
	stateClientError
	stateUpstreamError
)

func (s legState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateHeadersParsed:
		return "headers_parsed"
	case stateRequestStreaming:
		return "request_streaming"
	case stateResponseStreaming:
		return "response_streaming"
	case stateDone:
		return "done"
	case stateClientError:
		return "client_error"
	case stateUpstreamError:
		return "upstream_error"
	}
	return "unknown"
}

// hopHeaders are stripped in both directions per RFC 7230 §6.1.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// limitBuffer retains up to limit+1 bytes so the pipeline can still see
// that the raw input exceeded the cap.
type limitBuffer struct {
	buf   []byte
	limit int64
}

func newLimitBuffer(limit int64) *limitBuffer {
	return &limitBuffer{limit: limit}
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		if room := b.limit + 1 - int64(len(b.buf)); room > 0 {
			if int64(len(p)) > room {
				b.buf = append(b.buf, p[:room]...)
			} else {
				b.buf = append(b.buf, p...)
			}
		}
	} else {
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *limitBuffer) Bytes() []byte { return b.buf }

// proxyExchange is the shared HTTP/HTTPS pathway: capture the request,
// round-trip upstream, correlate and capture the response while
// streaming it back.
func (e *Engine) proxyExchange(w http.ResponseWriter, r *http.Request, scheme string) {
	e.inflight.Add(1)
	defer e.inflight.Done()
	e.activeConns.Add(1)
	e.metrics.ActiveConnections.Inc()
	defer func() {
		e.activeConns.Add(-1)
		e.metrics.ActiveConnections.Dec()
	}()

	start := time.Now()
	state := stateAccepted
	internalID := uuid.NewString()
	exchangeID := uuid.NewString()
	e.totalRequests.Add(1)
	e.metrics.RequestsTotal.WithLabelValues(scheme).Inc()

	host := hostOnly(r.Host)
	_, port := hostPort(r.Host, defaultPortFor(scheme))
	state = stateHeadersParsed

	tx := &capture.HTTPTransaction{
		ID:          internalID,
		TimestampMS: start.UnixMilli(),
		Method:      r.Method,
		URL:         requestURL(r, scheme),
		Host:        host,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		Scheme:      scheme,
		ContentType: r.Header.Get("Content-Type"),
		UserAgent:   r.Header.Get("User-Agent"),
		ClientAddr:  r.RemoteAddr,
	}
	if e.cfg.Capture.CaptureHeaders {
		tx.Headers = capture.FromHTTPHeader(r.Header)
	}

	resolveCtx, resolveCancel := context.WithTimeout(r.Context(), 5*time.Second)
	addr, err := e.dns.Resolve(resolveCtx, host)
	resolveCancel()
	if err != nil {
		tx.Destination = unknownDestination
		tx.Error = "dns: " + err.Error()
		e.logger.Warn("upstream resolution failed", zap.String("host", host), zap.Error(err))
	} else {
		tx.Destination = addr + ":" + port
	}

	var reqCapture *limitBuffer
	if e.cfg.Capture.CaptureBody && r.Body != nil {
		reqCapture = newLimitBuffer(e.cfg.Capture.MaxBodySize)
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.TeeReader(r.Body, reqCapture), r.Body}
	}

	if err := e.recorder.InsertHTTPTransaction(e.baseCtx, tx); err != nil {
		e.logger.Error("failed to record request", zap.String("id", internalID), zap.Error(err))
	}
	e.correlation.Track(exchangeID, internalID, start)

	out := r.Clone(r.Context())
	out.URL.Scheme = schemeToHTTP(scheme)
	out.URL.Host = r.Host
	out.RequestURI = ""
	out.Host = r.Host
	stripHopHeaders(out.Header)
	state = stateRequestStreaming

	resp, err := e.transport.RoundTrip(out)
	if err != nil {
		state = stateUpstreamError
		e.metrics.UpstreamErrors.Inc()
		e.correlation.Release(exchangeID)
		if _, serr := e.recorder.SetHTTPError(e.baseCtx, internalID, err.Error()); serr != nil {
			e.logger.Error("failed to record upstream error", zap.String("id", internalID), zap.Error(serr))
		}
		e.logger.Warn("upstream exchange failed",
			zap.String("id", internalID),
			zap.String("state", state.String()),
			zap.String("host", host),
			zap.Error(err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	state = stateResponseStreaming
	responseTime := time.Since(start)

	// Backfill the request body capture now that upstream consumed it.
	if reqCapture != nil && len(reqCapture.Bytes()) > 0 {
		body, perr := e.pipeline.Process(reqCapture.Bytes(), tx.ContentType, r.Header.Get("Content-Encoding"))
		if perr != nil {
			e.logger.Debug("request body kept compressed", zap.String("id", internalID), zap.Error(perr))
		}
		if _, berr := e.recorder.UpdateHTTPRequestBody(e.baseCtx, internalID, body.Payload, body.Size); berr != nil {
			e.logger.Error("failed to record request body", zap.String("id", internalID), zap.Error(berr))
		}
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var respCapture *limitBuffer
	var reader io.Reader = resp.Body
	if e.cfg.Capture.CaptureBody {
		respCapture = newLimitBuffer(e.cfg.Capture.MaxBodySize)
		reader = io.TeeReader(resp.Body, respCapture)
	}
	if _, err := io.Copy(w, reader); err != nil {
		state = stateClientError
		e.logger.Debug("client write interrupted", zap.String("id", internalID), zap.Error(err))
	}

	pending, ok := e.correlation.Resolve(exchangeID, internalID)
	if !ok {
		e.metrics.UnmatchedResponses.Inc()
		e.logger.Warn("dropping unmatched response", zap.String("exchangeId", exchangeID))
		return
	}

	captured := &capture.HTTPResponse{
		StatusCode:     resp.StatusCode,
		StatusMessage:  statusMessage(resp),
		Headers:        capture.FromHTTPHeader(resp.Header),
		ResponseTimeMS: responseTime.Milliseconds(),
	}
	if respCapture != nil && len(respCapture.Bytes()) > 0 {
		body, perr := e.pipeline.Process(respCapture.Bytes(),
			resp.Header.Get("Content-Type"), resp.Header.Get("Content-Encoding"))
		if perr != nil {
			e.logger.Debug("response body kept compressed", zap.String("id", pending.internalID), zap.Error(perr))
		}
		captured.Body = body.Payload
		captured.BodySize = body.Size
	}

	updated, err := e.recorder.UpdateHTTPResponse(e.baseCtx, pending.internalID, captured)
	if err != nil {
		e.logger.Error("failed to record response", zap.String("id", pending.internalID), zap.Error(err))
	} else if !updated {
		e.logger.Debug("response row evicted before update", zap.String("id", pending.internalID))
	}

	state = stateDone
	e.metrics.RequestDuration.Observe(responseTime.Seconds())
	e.logger.Debug("proxied exchange",
		zap.String("id", internalID),
		zap.String("method", r.Method),
		zap.String("url", tx.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", responseTime),
		zap.String("state", state.String()))
}

func defaultPortFor(scheme string) string {
	switch scheme {
	case capture.SchemeHTTPS, capture.SchemeWSS:
		return "443"
	}
	return "80"
}

func schemeToHTTP(scheme string) string {
	switch scheme {
	case capture.SchemeHTTPS, capture.SchemeWSS:
		return "https"
	}
	return "http"
}

// requestURL reconstructs the absolute URL for capture. Proxy-form
// requests already carry one; origin-form requests get scheme and host
// prepended.
func requestURL(r *http.Request, scheme string) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func statusMessage(resp *http.Response) string {
	msg := resp.Status
	if i := strings.IndexByte(msg, ' '); i >= 0 {
		msg = msg[i+1:]
	}
	return msg
}
