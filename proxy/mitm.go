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
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/proxycap/proxycap/capture"
)

// handleConnect hijacks the tunnel request. With HTTPS interception on,
// the client side is terminated with a leaf for the SNI host and each
// decrypted request runs through the normal exchange pathway. With it
// off, bytes are relayed blind.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		e.logger.Error("hijack failed", zap.Error(err))
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
	defer clientConn.Close()

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	host, port := hostPort(r.Host, "443")
	if e.ca == nil {
		e.blindTunnel(clientConn, net.JoinHostPort(host, port))
		return
	}

	tlsCfg := e.ca.TLSConfig()
	base := tlsCfg.GetCertificate
	// Clients that omit SNI still get a usable leaf for the CONNECT
	// target.
	tlsCfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if hello.ServerName == "" {
			return e.ca.LeafFor(host)
		}
		return base(hello)
	}

	tlsConn := tls.Server(clientConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		e.logger.Debug("interception handshake failed", zap.String("host", host), zap.Error(err))
		return
	}
	defer tlsConn.Close()

	e.serveDecrypted(tlsConn, host, port)
}

// serveDecrypted runs an HTTP/1.1 loop over the terminated TLS stream.
func (e *Engine) serveDecrypted(conn net.Conn, host, port string) {
	br := bufio.NewReader(conn)
	for {
		if !e.running.Load() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debug("decrypted read ended", zap.String("host", host), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Time{})
		req = req.WithContext(e.baseCtx)
		if req.Host == "" {
			req.Host = originHost(host, port, "443")
		}
		req.RemoteAddr = conn.RemoteAddr().String()

		if isWebSocketUpgrade(req) {
			w := newConnResponseWriter(conn, br)
			e.handleWebSocket(w, req, capture.SchemeWSS)
			return
		}

		w := newConnResponseWriter(conn, br)
		e.proxyExchange(w, req, capture.SchemeHTTPS)
		if w.closeAfter {
			return
		}
	}
}

func originHost(host, port, defaultPort string) string {
	if port == defaultPort {
		return host
	}
	return net.JoinHostPort(host, port)
}

// blindTunnel relays a CONNECT without interception; nothing is
// captured.
func (e *Engine) blindTunnel(clientConn net.Conn, upstream string) {
	upConn, err := net.DialTimeout("tcp", upstream, 10*time.Second)
	if err != nil {
		e.logger.Warn("tunnel dial failed", zap.String("upstream", upstream), zap.Error(err))
		return
	}
	defer upConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(clientConn, upConn)
		done <- struct{}{}
	}()
	<-done
}

// connResponseWriter adapts a hijacked connection to http.ResponseWriter
// so decrypted requests share the standard handler path. It also
// implements http.Hijacker for WebSocket upgrades.
type connResponseWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header

	wroteHeader bool
	closeAfter  bool
	hijacked    bool
}

func newConnResponseWriter(conn net.Conn, br *bufio.Reader) *connResponseWriter {
	return &connResponseWriter{conn: conn, br: br, header: make(http.Header)}
}

func (w *connResponseWriter) Header() http.Header { return w.header }

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true

	// Without a Content-Length the client can only detect the end of the
	// body by connection close.
	if w.header.Get("Content-Length") == "" && w.header.Get("Transfer-Encoding") == "" {
		w.header.Set("Connection", "close")
		w.closeAfter = true
	}

	var buf []byte
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, http.StatusText(status)...)
	buf = append(buf, "\r\n"...)
	w.conn.Write(buf)
	w.header.Write(w.conn)
	io.WriteString(w.conn, "\r\n")
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, fmt.Errorf("connection hijacked")
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}

func (w *connResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.wroteHeader {
		return nil, nil, fmt.Errorf("response already started")
	}
	w.hijacked = true
	return w.conn, bufio.NewReadWriter(w.br, bufio.NewWriter(w.conn)), nil
}
