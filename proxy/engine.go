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
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/proxycap/proxycap/capture"
	"github.com/proxycap/proxycap/config"
)

// Recorder is the slice of the traffic store the engine writes through.
type Recorder interface {
	InsertHTTPTransaction(ctx context.Context, tx *capture.HTTPTransaction) error
	UpdateHTTPRequestBody(ctx context.Context, id string, body capture.BodyPayload, size int64) (bool, error)
	UpdateHTTPResponse(ctx context.Context, id string, resp *capture.HTTPResponse) (bool, error)
	SetHTTPError(ctx context.Context, id, message string) (bool, error)
	InsertWebSocketConnection(ctx context.Context, conn *capture.WebSocketConnection) error
	UpdateWebSocketClose(ctx context.Context, id string, closedMS int64, closeCode int, closeReason string) (bool, error)
	AppendWebSocketMessage(ctx context.Context, msg *capture.WebSocketMessage) error
}

// Engine lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("proxy engine already running")
	ErrNotRunning     = errors.New("proxy engine not running")
)

// shutdownGrace bounds how long in-flight exchanges may drain on Stop.
const shutdownGrace = 5 * time.Second

// Options configure a new Engine.
type Options struct {
	Config   config.Config
	Recorder Recorder
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Engine is the intercepting proxy: a plaintext listener that serves
// absolute-form requests and CONNECT tunnels, plus an optional TLS
// listener terminating with dynamically issued leaves.
type Engine struct {
	cfg      config.Config
	logger   *zap.Logger
	recorder Recorder
	metrics  *Metrics

	pipeline    capture.Pipeline
	correlation *correlationTable
	dns         *dnsCache
	transport   *http.Transport

	mu       sync.Mutex
	running  atomic.Bool
	ca       *CertAuthority
	httpLn   net.Listener
	httpsLn  net.Listener
	servers  []*http.Server
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	totalRequests   atomic.Int64
	totalWebSockets atomic.Int64
	activeConns     atomic.Int64
}

// New builds an Engine. Listeners are not bound until Start.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	e := &Engine{
		cfg:         opts.Config,
		logger:      logger,
		recorder:    opts.Recorder,
		metrics:     metrics,
		pipeline:    capture.Pipeline{MaxBodySize: opts.Config.Capture.MaxBodySize},
		correlation: newCorrelationTable(),
		dns:         newDNSCache(),
	}
	e.transport = &http.Transport{
		// Content-Encoding must reach the capture pipeline untouched.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.Config.Proxy.IgnoreHostHTTPSErrors,
		},
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       60 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return e
}

// Start binds the listeners and begins accepting. It is an error to
// start a running engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	if e.cfg.Proxy.EnableHTTPS {
		ca, err := LoadOrCreateCA(e.cfg.Proxy.CertPath, e.cfg.Proxy.KeyPath, e.logger)
		if err != nil {
			return fmt.Errorf("certificate authority: %w", err)
		}
		e.ca = ca
	}

	httpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.Proxy.HTTPPort))
	if err != nil {
		return fmt.Errorf("binding HTTP port %d: %w", e.cfg.Proxy.HTTPPort, err)
	}
	e.httpLn = httpLn

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.servers = nil

	httpServer := &http.Server{
		Handler:           http.HandlerFunc(e.serveHTTPPort),
		ReadHeaderTimeout: 30 * time.Second,
	}
	e.servers = append(e.servers, httpServer)
	go func() {
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			e.logger.Error("HTTP listener failed", zap.Error(err))
		}
	}()

	if e.cfg.Proxy.EnableHTTPS && e.cfg.Proxy.HTTPSPort != 0 {
		httpsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.Proxy.HTTPSPort))
		if err != nil {
			httpLn.Close()
			e.cancel()
			return fmt.Errorf("binding HTTPS port %d: %w", e.cfg.Proxy.HTTPSPort, err)
		}
		e.httpsLn = httpsLn
		httpsServer := &http.Server{
			Handler:           http.HandlerFunc(e.serveHTTPSPort),
			ReadHeaderTimeout: 30 * time.Second,
		}
		e.servers = append(e.servers, httpsServer)
		go func() {
			tlsLn := tls.NewListener(httpsLn, e.ca.TLSConfig())
			if err := httpsServer.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				e.logger.Error("HTTPS listener failed", zap.Error(err))
			}
		}()
	}

	e.running.Store(true)
	e.logger.Info("proxy engine started",
		zap.Int("httpPort", e.cfg.Proxy.HTTPPort),
		zap.Int("httpsPort", e.cfg.Proxy.HTTPSPort),
		zap.Bool("https", e.cfg.Proxy.EnableHTTPS),
		zap.Bool("websockets", e.cfg.Proxy.EnableWebSockets))
	return nil
}

// Stop drains in-flight exchanges within the grace window, force-closes
// stragglers, and marks every still-unpaired request row aborted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return ErrNotRunning
	}
	e.running.Store(false)

	// Shutdown only closes listeners its Serve goroutine has registered;
	// close ours directly so the ports are free again when Stop returns.
	if e.httpLn != nil {
		e.httpLn.Close()
	}
	if e.httpsLn != nil {
		e.httpsLn.Close()
	}

	drainCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	for _, srv := range e.servers {
		if err := srv.Shutdown(drainCtx); err != nil {
			srv.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.logger.Warn("grace window expired; abandoning in-flight exchanges")
	}
	e.cancel()

	abandoned := e.correlation.Clear()
	for _, id := range abandoned {
		stampCtx, stampCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := e.recorder.SetHTTPError(stampCtx, id, "aborted"); err != nil {
			e.logger.Warn("failed to mark abandoned transaction", zap.String("id", id), zap.Error(err))
		}
		stampCancel()
	}

	e.httpLn = nil
	e.httpsLn = nil
	e.servers = nil
	e.logger.Info("proxy engine stopped", zap.Int("abandoned", len(abandoned)))
	return nil
}

// Restart stops then starts, tolerating a stopped engine.
func (e *Engine) Restart(ctx context.Context) error {
	if err := e.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return e.Start(ctx)
}

// Running reports whether the listeners are accepting.
func (e *Engine) Running() bool { return e.running.Load() }

// HTTPPort returns the configured plaintext port.
func (e *Engine) HTTPPort() int { return e.cfg.Proxy.HTTPPort }

// CACertificatePEM exposes the trust root, or nil when HTTPS is off.
func (e *Engine) CACertificatePEM() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ca == nil {
		return nil
	}
	return e.ca.CertificatePEM()
}

// Status is the engine's self-report for the status operation.
type Status struct {
	Running            bool   `json:"running"`
	HTTPPort           int    `json:"httpPort"`
	HTTPSPort          int    `json:"httpsPort,omitempty"`
	HTTPSEnabled       bool   `json:"httpsEnabled"`
	WebSocketsEnabled  bool   `json:"webSocketsEnabled"`
	CertPath           string `json:"certPath,omitempty"`
	TotalRequests      int64  `json:"totalRequests"`
	TotalWebSockets    int64  `json:"totalWebSocketConnections"`
	ActiveConnections  int64  `json:"activeConnections"`
	PendingCorrelation int    `json:"pendingCorrelation"`
}

// Status snapshots the engine counters.
func (e *Engine) Status() Status {
	return Status{
		Running:            e.running.Load(),
		HTTPPort:           e.cfg.Proxy.HTTPPort,
		HTTPSPort:          e.cfg.Proxy.HTTPSPort,
		HTTPSEnabled:       e.cfg.Proxy.EnableHTTPS,
		WebSocketsEnabled:  e.cfg.Proxy.EnableWebSockets,
		CertPath:           e.cfg.Proxy.CertPath,
		TotalRequests:      e.totalRequests.Load(),
		TotalWebSockets:    e.totalWebSockets.Load(),
		ActiveConnections:  e.activeConns.Load(),
		PendingCorrelation: e.correlation.Len(),
	}
}

// serveHTTPPort routes the plaintext listener: CONNECT tunnels, upgrade
// requests, plain proxied requests.
func (e *Engine) serveHTTPPort(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		e.handleConnect(w, r)
	case isWebSocketUpgrade(r):
		e.handleWebSocket(w, r, capture.SchemeWS)
	default:
		e.proxyExchange(w, r, capture.SchemeHTTP)
	}
}

// serveHTTPSPort handles the dedicated TLS listener. TLS is already
// terminated by the listener wrapper, so requests arrive decrypted.
func (e *Engine) serveHTTPSPort(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		e.handleWebSocket(w, r, capture.SchemeWSS)
		return
	}
	e.proxyExchange(w, r, capture.SchemeHTTPS)
}
